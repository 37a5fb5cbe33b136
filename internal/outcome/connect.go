package outcome

// Path classifies which route a connect attempt took through tcp_v4_connect.
type Path uint8

// Connect path classes.
const (
	PathNone Path = iota
	PathFast
	PathSlow
	PathError
	PathFastOpen

	pathCount
)

// NumPaths is the size of the path key space.
const NumPaths = int(pathCount)

var pathNames = [pathCount]string{"none", "fast", "slow", "error", "fastopen"}

func (p Path) String() string {
	if p < pathCount {
		return pathNames[p]
	}
	return "unknown"
}

// PathNames returns path names indexed by code.
func PathNames() []string {
	out := make([]string, len(pathNames))
	copy(out, pathNames[:])
	return out
}

// ErrorClass groups connect failures into coarse counter buckets.
type ErrorClass uint8

// Connect error classes.
const (
	ErrorClassNone ErrorClass = iota
	ErrorClassAddrLen
	ErrorClassFamily
	ErrorClassRoute
	ErrorClassMulticast
	ErrorClassSourceBind
	ErrorClassConnect
	ErrorClassOther

	errorClassCount
)

// NumErrorClasses is the size of the error class key space.
const NumErrorClasses = int(errorClassCount)

var errorClassNames = [errorClassCount]string{
	"none", "addr_len", "family", "route", "multicast", "source_bind", "connect", "other",
}

func (c ErrorClass) String() string {
	if c < errorClassCount {
		return errorClassNames[c]
	}
	return "unknown"
}

// ErrorClassNames returns error class names indexed by code.
func ErrorClassNames() []string {
	out := make([]string, len(errorClassNames))
	copy(out, errorClassNames[:])
	return out
}
