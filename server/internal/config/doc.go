// Package config loads tunnelvision-server configuration from YAML.
//
// Only the `server:` section is read:
//
//	server:
//	  port: 8765
//	  bind: 127.0.0.1
//	  static_dir: ./dist
//	  log:      {file: "", level: info, format: json}
//	  session:  {queue_size: 256, write_timeout: 10s, pong_wait: 60s,
//	             max_message_size: 268435456, event_rate: 0, event_burst: 1}
//	  channels: {ttl: 0}
//	  host:
//	    on_disconnect: resume   # or exit
//	    auth: {mode: none, key_env: TUNNELVISION_KEY, header: X-API-Key}
//
// Load fills defaults, unmarshals and validates. LoadOptional treats a
// missing file as "use defaults". Watch re-loads the file on change and hands
// the new Config to a callback; the server uses it to adjust the log level
// without a restart.
package config
