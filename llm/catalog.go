package llm

import "sort"

// Catalog maps public model identifiers to provider clients. It is populated
// once at startup and read-only afterwards, so no locking is required on the
// request path.
type Catalog struct {
	defaultModel string
	byModel      map[string]Client
}

// NewCatalog creates a catalog whose empty-model requests resolve to
// defaultModel.
func NewCatalog(defaultModel string) *Catalog {
	return &Catalog{defaultModel: defaultModel, byModel: make(map[string]Client)}
}

// Register binds a public model id to a client. Call before serving traffic.
func (c *Catalog) Register(model string, client Client) {
	c.byModel[model] = client
}

// Resolve selects the client for a public model id. An empty id resolves to
// the default; an unknown id fails fast as client input, never a server
// fault. The returned model string is the client's upstream model name, which
// may differ from the public id when models are aliased.
func (c *Catalog) Resolve(model string) (Client, string, error) {
	if model == "" {
		model = c.defaultModel
	}
	client, ok := c.byModel[model]
	if !ok {
		return nil, "", NewError(ClassClientInput, CodeUnknownModel, "unknown model: "+model)
	}
	return client, client.Model(), nil
}

// Default returns the default model id.
func (c *Catalog) Default() string { return c.defaultModel }

// Models lists registered model ids in sorted order.
func (c *Catalog) Models() []string {
	out := make([]string, 0, len(c.byModel))
	for m := range c.byModel {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
