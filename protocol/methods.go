package protocol

// MCP method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"

	MethodListTools   = "tools/list"
	MethodExecuteTool = "tools/execute"

	MethodListResources   = "resources/list"
	MethodGetResource     = "resources/get"
	MethodWatchResource   = "resources/watch"
	MethodUnwatchResource = "resources/unwatch"

	MethodListPrompts = "prompts/list"
	MethodGetPrompt   = "prompts/get"

	MethodLoggingSetLevel = "logging/setLevel"
	MethodPing            = "ping"

	MethodNotifyLog             = "notifications/log"
	MethodNotifyResourceUpdated = "notifications/resources/updated"
	MethodNotifyToolsProgress   = "notifications/tools/progress"
)
