// Package commandqueue serializes work per named lane.
//
// Each lane runs one task at a time in submission order and exists only
// while it has work; separate lanes run concurrently. A session's runs share
// SessionLane(key), so two runs of one session never overlap.
//
//	q := commandqueue.New()
//	defer q.Close()
//	v, err := q.Enqueue(ctx, commandqueue.SessionLane("main"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
