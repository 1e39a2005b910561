// Package config handles configuration loading for taskbridge.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion and duration parsing.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TASKBRIDGE_JWT_SECRET}"
//
// Unset variables expand to empty strings, which then fail validation if the
// field is required.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	bridge:
//	  heartbeat_timeout: "90s"
//	ratelimit:
//	  window: "1m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/taskbridge/taskbridge.db"
//
//	auth:
//	  jwt_secret: "${TASKBRIDGE_JWT_SECRET}"
//
//	bridge:
//	  heartbeat_timeout: "90s"
//
//	ratelimit:
//	  window: "1m"
//	  agent_limit: 10       # dispatches per agent per window, <=0 disables
//	  client_ip_limit: 30   # dispatches per client IP per window
//
//	cost:
//	  price_per_1k_tokens: 0.01
//	  session_limit_usd: 5.0    # <=0 disables
//	  daily_limit_usd: 50.0
//	  warning_threshold: 0.8    # fraction of a limit
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
