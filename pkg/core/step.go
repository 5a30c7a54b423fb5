package core

// StepDefinition declares one named unit of feature computation.
// Definitions form a total order by Order; execution is strictly sequential.
type StepDefinition struct {
	Name       string   `koanf:"name" json:"name"`
	Order      int      `koanf:"order" json:"order"`
	Entrypoint string   `koanf:"entrypoint" json:"entrypoint,omitempty"`
	Requires   []string `koanf:"requires" json:"requires,omitempty"`
	Produces   []string `koanf:"produces" json:"produces,omitempty"`
}

// EntrypointName returns the registry key used to resolve the step.
func (d StepDefinition) EntrypointName() string {
	if d.Entrypoint != "" {
		return d.Entrypoint
	}
	return d.Name
}
