package permission

// Decision is a tagged union: exactly one of the two shapes is
// meaningful, selected by Behavior.
type Decision struct {
	Behavior string // "allow" | "deny"

	// allow
	UpdatedInput       map[string]interface{}
	UpdatedPermissions []string

	// deny
	Message   string
	Interrupt bool
}

// Allow builds an allow decision.
func Allow(updatedInput map[string]interface{}) Decision {
	return Decision{Behavior: "allow", UpdatedInput: updatedInput}
}

// Deny builds a deny decision.
func Deny(message string, interrupt bool) Decision {
	return Decision{Behavior: "deny", Message: message, Interrupt: interrupt}
}

// Mode is the permission manager's operating posture.
type Mode string

const (
	ModeAllow  Mode = "allow"
	ModeDeny   Mode = "deny"
	ModePrompt Mode = "prompt"
	ModeCached Mode = "cached"
	ModeCustom Mode = "custom"
)
