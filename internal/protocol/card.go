package protocol

// AgentStatus tracks the registry's view of an agent's reachability.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// Skill is a unit of capability an agent declares on its card.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// Capabilities describes optional protocol features an agent supports.
type Capabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentCard describes an agent service for registry matching and
// dispatch. Cards are created at self-registration and refreshed on
// health probes.
type AgentCard struct {
	Name         string       `json:"name"`
	URL          string       `json:"url"`
	Description  string       `json:"description,omitempty"`
	Skills       []Skill      `json:"skills"`
	Capabilities Capabilities `json:"capabilities"`
	InputModes   []string     `json:"inputModes,omitempty"`
	OutputModes  []string     `json:"outputModes,omitempty"`
	Status       AgentStatus  `json:"status,omitempty"`
}
