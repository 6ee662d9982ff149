package common

import (
	"time"
)

var RealWorldState = WorldState{
	Now: time.Now,
}

// WorldState holds the parts of the outside world that tests need to control
type WorldState struct {
	Now func() time.Time
}

func WorldOfTime(t time.Time) WorldState {
	return WorldState{
		Now: func() time.Time { return t },
	}
}
