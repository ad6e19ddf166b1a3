package vehicle

// Command is the last command issued to a vehicle. Only one is active at a time.
type Command int

const (
	None Command = iota
	TakeOff
	Hover
	RotateToYaw
	MoveToPosition
	Land
	GoHome
)

func (c Command) String() string {
	switch c {
	case None:
		return "none"
	case TakeOff:
		return "takeoff"
	case Hover:
		return "hover"
	case RotateToYaw:
		return "rotate-to-yaw"
	case MoveToPosition:
		return "move-to-position"
	case Land:
		return "land"
	case GoHome:
		return "go-home"
	}
	return "unknown"
}
