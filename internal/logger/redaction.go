package logger

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const redacted = "[REDACTED]"

// minLiteral is the shortest exact value AddLiteral will redact.
const minLiteral = 8

type rule struct {
	re   *regexp.Regexp
	repl string
}

// builtinRules cover provider keys, bearer tokens, key/value credentials,
// AWS access keys and PEM private keys. Key/value rules keep the key.
var builtinRules = []rule{
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`), redacted},
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer " + redacted},
	{regexp.MustCompile(`(?i)("?(?:api_?key|password|pwd|shared_secret|secret)"?\s*[:=]\s*)"?[^\s",}]+"?`), "${1}" + redacted},
	{regexp.MustCompile(`(?i)(token["\s:=]+)[A-Za-z0-9._-]{20,}`), "${1}" + redacted},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), redacted},
}

type ruleset struct {
	rules    []rule
	literals *strings.Replacer
}

// Redactor masks credentials in log records and transcript text. Readers
// never block: additions publish a new ruleset.
type Redactor struct {
	mu       sync.Mutex // serializes additions
	literals []string
	current  atomic.Pointer[ruleset]
}

func NewRedactor() *Redactor {
	r := &Redactor{}
	r.current.Store(&ruleset{rules: builtinRules})
	return r
}

// AddPattern redacts every match of an extra regular expression.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current.Load()
	next := &ruleset{
		rules:    append(append([]rule(nil), cur.rules...), rule{re, redacted}),
		literals: cur.literals,
	}
	r.current.Store(next)
	return nil
}

// AddLiteral redacts every occurrence of an exact value, such as a
// configured API key. Values shorter than minLiteral are ignored.
func (r *Redactor) AddLiteral(value string) {
	if len(value) < minLiteral {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = append(r.literals, value)
	// longest first, so a secret containing another is masked whole
	sort.Slice(r.literals, func(i, j int) bool { return len(r.literals[i]) > len(r.literals[j]) })
	pairs := make([]string, 0, 2*len(r.literals))
	for _, l := range r.literals {
		pairs = append(pairs, l, redacted)
	}
	cur := r.current.Load()
	r.current.Store(&ruleset{rules: cur.rules, literals: strings.NewReplacer(pairs...)})
}

// Redact returns s with every known secret masked.
func (r *Redactor) Redact(s string) string {
	rs := r.current.Load()
	if rs.literals != nil {
		s = rs.literals.Replace(s)
	}
	for _, ru := range rs.rules {
		s = ru.re.ReplaceAllString(s, ru.repl)
	}
	return s
}

// Wrap returns a writer that redacts each record before passing it to w.
// Levels reach w when it is a zerolog.LevelWriter.
func (r *Redactor) Wrap(w io.Writer) zerolog.LevelWriter {
	return redactingWriter{r: r, w: w}
}

type redactingWriter struct {
	r *Redactor
	w io.Writer
}

// Write reports len(p) so zerolog does not see the shorter record as a
// short write.
func (rw redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(rw.w, rw.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (rw redactingWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	lw, ok := rw.w.(zerolog.LevelWriter)
	if !ok {
		return rw.Write(p)
	}
	if _, err := lw.WriteLevel(level, []byte(rw.r.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
