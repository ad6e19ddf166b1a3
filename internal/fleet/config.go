package fleet

import (
	"math"
	"time"
)

type Config struct {
	TickInterval  time.Duration
	TakeoffSettle time.Duration
	GoHomeSettle  time.Duration
	RotateSettle  time.Duration
	LandSettle    time.Duration
	DisarmSettle  time.Duration
	LandTimeout   time.Duration
	GoHomeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:  100 * time.Millisecond,
		TakeoffSettle: 2 * time.Second,
		GoHomeSettle:  10 * time.Second,
		RotateSettle:  2 * time.Second,
		LandSettle:    3 * time.Second,
		DisarmSettle:  0,
		LandTimeout:   600 * time.Second,
		GoHomeTimeout: time.Duration(math.MaxInt64),
	}
}
