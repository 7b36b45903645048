package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys
const (
	// MCP tool attributes
	AttrMCPToolName     = "mcp.tool.name"
	AttrMCPToolStatus   = "mcp.tool.status"
	AttrMCPToolDuration = "mcp.tool.duration_ms"
	AttrMCPResultSize   = "mcp.tool.result_size"

	// Tile attributes
	AttrTileMode       = "tile.mode"
	AttrTileCellI      = "tile.cell.i"
	AttrTileCellJ      = "tile.cell.j"
	AttrTileGeneration = "tile.generation"
	AttrTileBBox       = "tile.bbox"
	AttrTileElements   = "tile.elements"

	// Resolver attributes
	AttrResolverEmitted    = "resolver.emitted"
	AttrResolverPending    = "resolver.pending_ways"
	AttrResolverUnresolved = "resolver.unresolved_nodes"

	// Search attributes
	AttrSearchKey     = "search.key"
	AttrSearchValue   = "search.value"
	AttrSearchResults = "search.results"

	// External service attributes
	AttrServiceName      = "service.name"
	AttrServiceOperation = "service.operation"
	AttrServiceURL       = "service.url"
	AttrServiceStatus    = "service.status"

	// Cache attributes
	AttrCacheType = "cache.type"
	AttrCacheHit  = "cache.hit"
	AttrCacheKey  = "cache.key"

	// Rate limiting attributes
	AttrRateLimitService = "ratelimit.service"
	AttrRateLimitWaitMs  = "ratelimit.wait_ms"

	// HTTP attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPPath       = "http.path"
	AttrHTTPStatusCode = "http.status_code"
	AttrHTTPSessionID  = "http.session_id"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Status values
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusRateLimited = "rate_limited"
)

// Service names
const (
	ServiceOverpass = "overpass"
)

// Cache types
const (
	CacheTypeOverpass = "overpass"
)

// MCPToolAttributes returns attributes for MCP tool execution
func MCPToolAttributes(toolName string, status string, durationMs int64, resultSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrMCPToolName, toolName),
		attribute.String(AttrMCPToolStatus, status),
		attribute.Int64(AttrMCPToolDuration, durationMs),
		attribute.Int(AttrMCPResultSize, resultSize),
	}
}

// TileAttributes identifies a tile load.
func TileAttributes(mode string, i, j int, generation uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTileMode, mode),
		attribute.Int(AttrTileCellI, i),
		attribute.Int(AttrTileCellJ, j),
		attribute.Int64(AttrTileGeneration, int64(generation)),
	}
}

// ServiceAttributes returns attributes for external service calls
func ServiceAttributes(service, operation, url string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrServiceName, service),
		attribute.String(AttrServiceOperation, operation),
		attribute.String(AttrServiceURL, url),
		attribute.Int(AttrServiceStatus, status),
	}
}

// CacheAttributes returns attributes for cache operations
func CacheAttributes(cacheType string, hit bool, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheType, cacheType),
		attribute.Bool(AttrCacheHit, hit),
		attribute.String(AttrCacheKey, key),
	}
}

// ErrorAttributes returns attributes for errors
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, "error"),
		attribute.String(AttrErrorMessage, err.Error()),
	}
}
