package payout

import "time"

func SetBuilderClock(b *Builder, now func() time.Time) { b.now = now }

func SetQueueClock(q *Queue, now func() time.Time) { q.now = now }

func SetPollGap(r *RecipientResolver, d time.Duration) { r.pollGap = d }
