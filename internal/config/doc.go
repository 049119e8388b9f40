// Package config loads the switchboard configuration from layered
// sources and resolves the standard directories.
//
// # Configuration Loading
//
// Load merges configuration from every source in priority order:
//
//  1. Home config (~/.switchboard/)
//  2. XDG config (~/.config/switchboard/)
//  3. Project config (switchboard.json[c] and .switchboard/ in the
//     working directory)
//  4. SWITCHBOARD_CONFIG file
//  5. SWITCHBOARD_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Later sources override earlier ones field by field; defaults fill
// whatever remains empty afterwards.
//
// # Supported Formats
//
// Both plain JSON and JSONC are accepted. Comments are stripped with
// tidwall/jsonc before parsing, so switchboard.jsonc files can be
// annotated freely.
//
// # Variable Interpolation
//
// Config files may embed two placeholder forms:
//   - {env:VAR_NAME} expands to the environment variable's value
//   - {file:path} expands to the file's contents, escaped to stay a
//     single JSON string
//
// File paths resolve relative to the config file's directory, with ~/
// expanding to the home directory:
//
//	{
//	  "provider": {
//	    "anthropic": {"apiKey": "{env:ANTHROPIC_API_KEY}"}
//	  },
//	  "backend": {"systemPrompt": "{file:~/prompt.txt}"}
//	}
//
// # Environment Variable Overrides
//
// A handful of variables override single fields directly:
// SWITCHBOARD_ADDR, SWITCHBOARD_LOG_LEVEL, SWITCHBOARD_LOG_PRETTY,
// SWITCHBOARD_EVENTLOG, SWITCHBOARD_REDIS_ADDR, SWITCHBOARD_BACKEND,
// SWITCHBOARD_MODEL, SWITCHBOARD_DATA_DIR and SWITCHBOARD_POLICY_RULES.
// ANTHROPIC_API_KEY and OPENAI_API_KEY fill provider credentials the
// files left empty.
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/switchboard (XDG_DATA_HOME)
//   - Config: ~/.config/switchboard (XDG_CONFIG_HOME)
//   - State: ~/.local/state/switchboard (XDG_STATE_HOME)
//
// On Windows these fall back to APPDATA.
package config
