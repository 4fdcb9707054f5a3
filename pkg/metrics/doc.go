/*
Package metrics provides Prometheus metrics collection and exposition for
vine-worker: resource gauges (total and in-use, by kind), task completion
counters by result, cache occupancy and transfer counters, and the
manager-connection/RPC-retry gauges the worker updates from its main loop.

vine_worker serves Handler() over HTTP at --metrics-addr for operators who
want to scrape a single worker directly instead of going through the catalog.
*/
package metrics
