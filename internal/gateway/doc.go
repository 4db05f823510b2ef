// Package gateway assembles the dispatch pipeline and owns the
// listener lifecycle. Each HTTP request flows through route matching,
// admission, instance selection, and the retry controller before it is
// forwarded; gRPC listeners relay streams transparently to the matched
// service. Configuration reloads swap the route table and limiters
// atomically while requests are in flight.
package gateway
