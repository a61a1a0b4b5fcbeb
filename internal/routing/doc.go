// Package routing is the routing metadata manager: the one component
// that reads and writes the cluster's chunk tables. It owns the
// distributed-lock choreography around metadata mutations, performs
// the atomic chunk-table swap that commits a key change, and keeps the
// local router's chunk-manager cache coherent via epoch comparison.
package routing
