package domain

// NavigationType classifies how the current context was loaded.
type NavigationType int

const (
	NavigationUnknown NavigationType = iota
	NavigationNavigate
	NavigationReload
)

func (n NavigationType) String() string {
	switch n {
	case NavigationNavigate:
		return "navigate"
	case NavigationReload:
		return "reload"
	default:
		return "unknown"
	}
}

// ParseNavigationType maps a configured value to a NavigationType.
func ParseNavigationType(s string) NavigationType {
	switch s {
	case "navigate":
		return NavigationNavigate
	case "reload":
		return NavigationReload
	default:
		return NavigationUnknown
	}
}

// NavigationDetector reports the navigation type of the current load.
type NavigationDetector interface {
	NavigationType() NavigationType
}

// StaticNavigation is a NavigationDetector with a fixed answer.
type StaticNavigation NavigationType

func (s StaticNavigation) NavigationType() NavigationType {
	return NavigationType(s)
}
