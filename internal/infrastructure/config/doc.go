// Package config provides environment-driven defaults for the fetch engine.
//
// Configuration is loaded from environment variables with sensible defaults.
// Every value here is a library-wide default; request params override them.
//
// Configuration Sections:
//   - Executor: worker pool sizes and the concurrent download cap
//   - HTTP: timeouts, retry budget, user agent, rate limit, progress interval
//   - Cache: cache root, directory name and size ceilings
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("cache at %s/%s\n", cfg.Cache.Root, cfg.Cache.DirName)
//
// Environment Variables:
//   - XFETCH_POOL_SIZE, XFETCH_CACHE_POOL_SIZE, XFETCH_QUEUE_LIMIT, XFETCH_MAX_DOWNLOADS
//   - XFETCH_CONNECT_TIMEOUT, XFETCH_READ_TIMEOUT, XFETCH_MAX_RETRIES, XFETCH_USER_AGENT
//   - XFETCH_CACHE_ROOT, XFETCH_CACHE_DIR, XFETCH_CACHE_MAX_BYTES, XFETCH_CACHE_MAX_ENTRIES
//   - XFETCH_LOG_LEVEL, XFETCH_LOG_DEV
package config
