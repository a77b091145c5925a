// Package world is a small block simulation built on the tick engine.
//
// A World is a grid of regions. Each region is driven by a RegionManager,
// an engine.AsyncManager that:
//
//   - activates and generates the sections its entities stand in (Stage1)
//   - applies block edits and spawns queued from outside the tick (Stage2Plus)
//   - drops unsupported sand one block per pass (DynamicBlocks)
//   - moves entities under gravity (Physics)
//   - recomputes column sky heights (Lighting)
//
// DynamicBlocks, Physics and Lighting run in the bucket given by the parity
// of the region's coordinates, so adjacent regions never run at the same
// time. Work that crosses a region border goes through the world and is
// forwarded by a single global manager during GlobalDynamicBlocks and
// GlobalPhysics.
//
// Entities, active sections, sky heights and the tick counter live in
// snapshot primitives. Readers outside the tick use BlockAt, Height and
// Entities, which only change when the Snapshot stage commits.
package world
