package protocol

// Implementation identifies a client or server in the initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability advertises which tool operations a server supports.
type ToolsCapability struct {
	List    bool `json:"list"`
	Execute bool `json:"execute"`
}

// ResourcesCapability advertises which resource operations a server supports.
type ResourcesCapability struct {
	List  bool `json:"list"`
	Get   bool `json:"get"`
	Watch bool `json:"watch"`
}

// PromptsCapability advertises which prompt operations a server supports.
type PromptsCapability struct {
	List bool `json:"list"`
	Get  bool `json:"get"`
}

// ServerCapabilities is the "capabilities" member of an initialize response.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   bool                 `json:"logging,omitempty"`
}

// CanExecuteTools reports whether the server advertised tools.execute;
// a tool may be invoked only when it did.
func (c *ServerCapabilities) CanExecuteTools() bool {
	return c != nil && c.Tools != nil && c.Tools.Execute
}

// CanListTools reports whether the server advertised tools.list.
func (c *ServerCapabilities) CanListTools() bool {
	return c != nil && c.Tools != nil && c.Tools.List
}

// CanListResources reports whether the server advertised resources.list.
func (c *ServerCapabilities) CanListResources() bool {
	return c != nil && c.Resources != nil && c.Resources.List
}

// CanGetResources reports whether the server advertised resources.get.
func (c *ServerCapabilities) CanGetResources() bool {
	return c != nil && c.Resources != nil && c.Resources.Get
}

// CanWatchResources reports whether the server advertised resources.watch.
func (c *ServerCapabilities) CanWatchResources() bool {
	return c != nil && c.Resources != nil && c.Resources.Watch
}

// ClientCapabilities is the "capabilities" member of an initialize request.
// This client always advertises the same fixed set.
type ClientCapabilities struct {
	Roots *struct{} `json:"roots,omitempty"`
}

// InitializeParams is the request payload for "initialize".
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      Implementation     `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// InitializeResult is the response payload for "initialize".
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ProtocolVersion is the version this client negotiates.
const ProtocolVersion = "1.0"
