// Package api serves the engine's read-only ops surface: health, pipeline
// statistics, live trees, archived trees and execution locks. It never
// mutates a tree; tree operations go through the tasktree service in
// process.
package api
