package epochstore

import (
	"encoding/binary"
	"fmt"

	logdevice "github.com/alissa-tung/LogDevice"
)

// Column names the three per-log tables, per cluster.
type Column string

const (
	ColumnSequencer     Column = "sequencer"      // epoch metadata
	ColumnLCE           Column = "lce"             // data-log last-clean-epoch
	ColumnMetadataLogLCE Column = "metadatalog_lce" // metadata-log last-clean-epoch
)

// Meta is the in-memory representation of a row's payload, generalized
// across the three request variants: an opaque byte payload plus a
// Version counter, held beside the payload, bumped by touch(). This models the source's
// LogMetaData (and the narrower LastCleanEpoch record) behind one
// shape, since this core treats the payload encoding as opaque.
type Meta struct {
	Payload []byte
	Version uint64
}

func (m *Meta) touch() {
	m.Version++
}

// NextStep is the outcome of Request.ApplyChanges, matching the
// source's PROVISION/MODIFY/STOP/FAILED switch in onReadTableComplete.
type NextStep int

const (
	NextProvision NextStep = iota
	NextModify
	NextStop
	NextFailed
)

// Request is the polymorphic capability set every concrete epoch-store
// operation implements: {logid, column, deserialize, applyChanges,
// composeValue}. The dispatcher (runRequest) operates only on this
// interface; post-completion handling is Store.postCompletion.
type Request interface {
	LogID() uint64
	Column() Column

	// Deserialize decodes raw (empty if the row did not exist) into a
	// Meta. exists tells the implementation whether raw came from a
	// real row or is a zero-value placeholder.
	Deserialize(raw []byte, exists bool) (Meta, logdevice.Status)

	// ApplyChanges decides the next step given the deserialized
	// metadata and whether the row existed. It may mutate meta in
	// place (e.g. to set a new LCE or epoch). statusIfStopped is only
	// meaningful when next is NextStop or NextFailed.
	ApplyChanges(meta *Meta, valueExisted bool) (next NextStep, statusIfStopped logdevice.Status)

	// ComposeValue serializes meta for storage.
	ComposeValue(meta Meta) ([]byte, error)
}

// GetPath returns the request's logical path, "/<logid>/<column>",
// mirroring the source's getPath()/identify() path derivation.
func GetPath(r Request) string {
	return fmt.Sprintf("/%d/%s", r.LogID(), r.Column())
}

// --- GetLastCleanEpoch -------------------------------------------------

// GetLastCleanEpoch reads the last-clean-epoch marker for a log. It
// never provisions or modifies: it always STOPs, with OK if the row
// (or its absence) was read successfully.
type GetLastCleanEpoch struct {
	logID    uint64
	dataOnly bool // false => metadatalog_lce, true => lce
}

// NewGetLastCleanEpoch builds a GetLastCleanEpoch request. dataLog
// selects between the data-log LCE column and the metadata-log one.
func NewGetLastCleanEpoch(logID uint64, dataLog bool) *GetLastCleanEpoch {
	return &GetLastCleanEpoch{logID: logID, dataOnly: dataLog}
}

func (r *GetLastCleanEpoch) LogID() uint64 { return r.logID }

func (r *GetLastCleanEpoch) Column() Column {
	if r.dataOnly {
		return ColumnLCE
	}
	return ColumnMetadataLogLCE
}

func (r *GetLastCleanEpoch) Deserialize(raw []byte, exists bool) (Meta, logdevice.Status) {
	if !exists || len(raw) == 0 {
		return Meta{}, logdevice.StatusOK // "no LCE yet" — an empty value is a legitimate state
	}
	if len(raw) != 4 {
		return Meta{}, logdevice.StatusBadMsg
	}
	return Meta{Payload: raw}, logdevice.StatusOK
}

func (r *GetLastCleanEpoch) ApplyChanges(meta *Meta, valueExisted bool) (NextStep, logdevice.Status) {
	return NextStop, logdevice.StatusOK
}

func (r *GetLastCleanEpoch) ComposeValue(meta Meta) ([]byte, error) {
	return meta.Payload, nil
}

// LastCleanEpoch decodes the LCE a GetLastCleanEpoch read back, or 0
// if none was ever set.
func (r *GetLastCleanEpoch) LastCleanEpoch(meta Meta) uint32 {
	if len(meta.Payload) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(meta.Payload)
}

// --- SetLastCleanEpoch --------------------------------------------------

// SetLastCleanEpoch writes a new last-clean-epoch marker for a log,
// provisioning the log's three rows on first write.
type SetLastCleanEpoch struct {
	logID      uint64
	dataOnly   bool
	lce        uint32
	hasTail    bool // tail_record validity: false is INVALID_PARAM
}

// NewSetLastCleanEpoch builds a SetLastCleanEpoch request. hasTailRecord
// mirrors the source's tail_record validity check.
func NewSetLastCleanEpoch(logID uint64, dataLog bool, lce uint32, hasTailRecord bool) *SetLastCleanEpoch {
	return &SetLastCleanEpoch{logID: logID, dataOnly: dataLog, lce: lce, hasTail: hasTailRecord}
}

func (r *SetLastCleanEpoch) LogID() uint64 { return r.logID }

func (r *SetLastCleanEpoch) Column() Column {
	if r.dataOnly {
		return ColumnLCE
	}
	return ColumnMetadataLogLCE
}

func (r *SetLastCleanEpoch) Deserialize(raw []byte, exists bool) (Meta, logdevice.Status) {
	if !exists || len(raw) == 0 {
		return Meta{}, logdevice.StatusOK
	}
	if len(raw) != 4 {
		return Meta{}, logdevice.StatusBadMsg
	}
	return Meta{Payload: raw}, logdevice.StatusOK
}

func (r *SetLastCleanEpoch) ApplyChanges(meta *Meta, valueExisted bool) (NextStep, logdevice.Status) {
	if !r.hasTail {
		return NextFailed, logdevice.StatusInvalidParam
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, r.lce)
	meta.Payload = buf
	if !valueExisted {
		return NextProvision, logdevice.StatusOK
	}
	return NextModify, logdevice.StatusOK
}

func (r *SetLastCleanEpoch) ComposeValue(meta Meta) ([]byte, error) {
	return meta.Payload, nil
}

// --- EpochMetaData (create-or-update) ------------------------------------

// EpochUpdaterFunc is the caller-supplied mutation step for
// create-or-update of epoch metadata. current is nil if no row exists
// yet. Returning next=NextStop with status UP_TO_DATE signals "no
// change needed" (the only legal STOP for this request); next=NextFailed
// signals a domain-level rejection carrying status.
type EpochUpdaterFunc func(current []byte, exists bool) (next NextStep, newValue []byte, status logdevice.Status)

// EpochMetaData creates or updates the epoch-metadata row for a log,
// via a caller-supplied updater — the domain encoder/updater is opaque
// bytes to this core, per the extractVersion-style pluggable hook
// pattern used by the VCS.
type EpochMetaData struct {
	logID   uint64
	updater EpochUpdaterFunc
}

// NewEpochMetaData builds an EpochMetaData request. It does not check
// logID; Store.CreateOrUpdateMetaData checks the logid range before
// construction (see store.go), mirroring the source's logid-range
// validation in RqliteEpochStore::createOrUpdateMetaData.
func NewEpochMetaData(logID uint64, updater EpochUpdaterFunc) *EpochMetaData {
	return &EpochMetaData{logID: logID, updater: updater}
}

func (r *EpochMetaData) LogID() uint64   { return r.logID }
func (r *EpochMetaData) Column() Column  { return ColumnSequencer }

func (r *EpochMetaData) Deserialize(raw []byte, exists bool) (Meta, logdevice.Status) {
	return Meta{Payload: raw}, logdevice.StatusOK
}

func (r *EpochMetaData) ApplyChanges(meta *Meta, valueExisted bool) (NextStep, logdevice.Status) {
	next, newValue, status := r.updater(meta.Payload, valueExisted)
	switch next {
	case NextStop:
		// The only legitimate STOP for EpochMetaData is "already up to
		// date": the source asserts EpochMetaDataZRQ+UPTODATE here.
		if status != logdevice.StatusUpToDate {
			return NextFailed, logdevice.StatusInternal
		}
		return NextStop, status
	case NextFailed:
		return NextFailed, status
	default:
		meta.Payload = newValue
		return next, logdevice.StatusOK
	}
}

func (r *EpochMetaData) ComposeValue(meta Meta) ([]byte, error) {
	return meta.Payload, nil
}
