// Package pipeline turns one alert into per-panel analyses posted to a thread.
// It defines the Orchestrator (resolve, fetch catalog, filter, then render,
// analyze, publish and clean up each selected panel), the interfaces for every
// external API it touches, the run Report and Prometheus metrics.
package pipeline
