// Package balancer routes scans to worker nodes.
//
// A Balancer tracks every registered node's connections, request counters,
// a rolling window of recent outcomes and a slowly adapted weight, and picks
// a node for each unit of work with one of six strategies:
//
//	round_robin           cycle through eligible nodes in registration order
//	least_connections     fewest in-flight connections
//	weighted_round_robin  round robin over nodes replicated by weight
//	response_time         lowest rolling average latency
//	resource_based        lowest load score (connections, CPU, memory, queue)
//	adaptive              best blend of success rate, latency, load and weight
//
// Only healthy nodes below their connection cap are eligible. Health is not
// recomputed per call: EvaluateHealth (or the Run loop) classifies nodes from
// their rolling window.
package balancer
