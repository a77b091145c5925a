// Package region coordinates terrain generation for cubic chunk regions.
//
// A region is split into sections of SectionWidth³ chunks. Each section has
// a mutex and an atomic GenerationState, and Generate guarantees at most one
// generation per section no matter how many goroutines ask for it:
//
//  1. return at once if the section is Complete
//  2. take the section lock, or give up if the caller does not wait and
//     another attempt holds it
//  3. re-check Complete under the lock
//  4. CAS None (or Failed) to InProgress
//  5. run the Generator into a staging Volume
//  6. CAS InProgress to Copying and publish the volume into the live chunk
//     table in one copy-on-write swap
//  7. CAS Copying to Complete and unlock
//
// A generator error or panic moves the section to Failed and a later call
// retries it, up to MaxGenerationAttempts. Non-waiting calls run on a shared
// GenerationPool that is separate from the orchestrator's workers.
//
// The chunk table is a snapshot.Published array registered with the
// domain's Coordinator. Tick code reads Chunk, which only changes when the
// Snapshot stage commits; generation and edits go to the live slot.
package region
