// SPDX-License-Identifier: MIT

package model

// Command is a validated group mutation. The socket layer decodes the
// string-keyed client payloads into these variants at the boundary; the
// state machine only ever sees typed commands.
type Command interface {
	isCommand()
}

// Play arms the ready gate for the current cursor and enters playback.
type Play struct{}

// Pause freezes playback at the estimated position.
type Pause struct{}

// Seek moves the playback offset within the current track.
type Seek struct {
	PositionMs int64
}

// Next advances the cursor by one, clamped to the last track.
type Next struct{}

// Previous retreats the cursor by one, clamped to the first track.
type Previous struct{}

// SetTrack jumps the cursor to an explicit queue index.
type SetTrack struct {
	Index int
}

// QueueAdd appends validated items to the queue.
type QueueAdd struct {
	Items []QueueItem
}

// QueueInsertNext places items immediately after the current cursor,
// preserving their relative order.
type QueueInsertNext struct {
	Items []QueueItem
}

// QueueRemove removes the item at a queue index.
type QueueRemove struct {
	Index int
}

// QueueReorder moves the item at From to position To (stable move).
type QueueReorder struct {
	From int
	To   int
}

// QueueClear empties the queue and stops playback.
type QueueClear struct{}

// ReportReady records the calling member as ready for the open gate.
type ReportReady struct{}

func (Play) isCommand()            {}
func (Pause) isCommand()           {}
func (Seek) isCommand()            {}
func (Next) isCommand()            {}
func (Previous) isCommand()        {}
func (SetTrack) isCommand()        {}
func (QueueAdd) isCommand()        {}
func (QueueInsertNext) isCommand() {}
func (QueueRemove) isCommand()     {}
func (QueueReorder) isCommand()    {}
func (QueueClear) isCommand()      {}
func (ReportReady) isCommand()     {}
