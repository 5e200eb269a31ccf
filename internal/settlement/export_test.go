package settlement

import "time"

func SetClock(s *Syncer, now func() time.Time) { s.now = now }
