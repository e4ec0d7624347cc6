package pipeline

// Event is one sample as delivered to downstream sinks.
// Params: sample identity, value and mandatory tags.
// Returns: one metric event payload.
type Event struct {
	DT             uint64  `json:"dt"`
	Host           string  `json:"host"`
	DC             string  `json:"dc"`
	Project        string  `json:"project"`
	Role           string  `json:"role"`
	RunID          string  `json:"run_id"`
	Plugin         string  `json:"plugin"`
	PluginInstance string  `json:"plugin_instance"`
	Type           string  `json:"type"`
	TypeInstance   string  `json:"type_instance,omitempty"`
	Value          float64 `json:"value"`
}

// fields renders event as a flat field map for structured encoders.
// Params: none.
// Returns: field name to value map.
func (e Event) fields() map[string]any {
	return map[string]any{
		"dt":              e.DT,
		"host":            e.Host,
		"dc":              e.DC,
		"project":         e.Project,
		"role":            e.Role,
		"run_id":          e.RunID,
		"plugin":          e.Plugin,
		"plugin_instance": e.PluginInstance,
		"type":            e.Type,
		"type_instance":   e.TypeInstance,
		"value":           e.Value,
	}
}
