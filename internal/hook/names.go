package hook

// Built-in hook names emitted by the host itself. Plugins may register on
// these like any other hook.
const (
	PluginLoaded   = "plugin:loaded"
	PluginEnabled  = "plugin:enabled"
	PluginDisabled = "plugin:disabled"
	PluginUnloaded = "plugin:unloaded"
	PluginError    = "plugin:error"

	RuntimeReady    = "runtime:ready"
	RuntimeShutdown = "runtime:shutdown"

	TemplateCreated  = "template:created"
	TemplateModified = "template:modified"
	TemplateDeleted  = "template:deleted"
	SyncStarted      = "sync:started"
	SyncCompleted    = "sync:completed"
)

// Built-in filter names the host threads values through. Plugins extend
// them by registering filters.
const (
	FilterTemplateData = "plugin:template_data"
	FilterExportFormat = "plugin:export_format"
	FilterImportData   = "plugin:import_data"
	FilterUIComponents = "plugin:ui_components"
	FilterMenuItems    = "plugin:menu_items"
)
