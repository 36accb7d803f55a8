package protocol

const (
	TagSync      = 0
	TagAwareness = 1
	TagSwitch    = 2
)

const (
	SyncStep1  = 0
	SyncStep2  = 1
	SyncUpdate = 2
)

// Message is one decoded frame. Exactly one payload field is meaningful,
// selected by Tag (and Sub for TagSync).
type Message struct {
	Tag uint64
	Sub uint64

	Body []byte // sync vector/ops/delta, or the raw awareness blob
	Doc  string // TagSwitch target
}

// EncodeStep1 frames a state vector announcement.
func EncodeStep1(vector []byte) []byte {
	buf := AppendUvarint(nil, TagSync)
	buf = AppendUvarint(buf, SyncStep1)
	return AppendBytes(buf, vector)
}

// EncodeStep2 frames the catch-up ops answering a step1.
func EncodeStep2(ops []byte) []byte {
	buf := AppendUvarint(nil, TagSync)
	buf = AppendUvarint(buf, SyncStep2)
	return AppendBytes(buf, ops)
}

// EncodeUpdate frames a single live delta.
func EncodeUpdate(delta []byte) []byte {
	buf := AppendUvarint(nil, TagSync)
	buf = AppendUvarint(buf, SyncUpdate)
	return AppendBytes(buf, delta)
}

// EncodeAwareness frames an awareness blob for verbatim rebroadcast.
func EncodeAwareness(blob []byte) []byte {
	buf := AppendUvarint(nil, TagAwareness)
	return AppendBytes(buf, blob)
}

// EncodeSwitch frames a document switch request.
func EncodeSwitch(doc string) []byte {
	buf := AppendUvarint(nil, TagSwitch)
	return AppendString(buf, doc)
}

// Decode parses one frame. Unknown tags yield ErrBadTag; truncated frames
// yield ErrIncomplete. Callers drop bad frames and keep the connection.
func Decode(frame []byte) (msg Message, err error) {
	msg.Tag, frame, err = TakeUvarint(frame)
	if err != nil {
		return
	}
	switch msg.Tag {
	case TagSync:
		msg.Sub, frame, err = TakeUvarint(frame)
		if err != nil {
			return
		}
		if msg.Sub > SyncUpdate {
			return msg, ErrBadFrame
		}
		msg.Body, _, err = TakeBytes(frame)
	case TagAwareness:
		msg.Body, _, err = TakeBytes(frame)
	case TagSwitch:
		msg.Doc, _, err = TakeString(frame)
	default:
		err = ErrBadTag
	}
	return
}

// AwarenessEntry is one client's slot inside an awareness blob. An empty
// State means the client's presence is being removed.
type AwarenessEntry struct {
	ClientID uint64
	State    []byte
}

// EncodeAwarenessBlob packs entries into the opaque blob carried by
// TagAwareness frames.
func EncodeAwarenessBlob(entries []AwarenessEntry) []byte {
	buf := AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = AppendUvarint(buf, e.ClientID)
		buf = AppendBytes(buf, e.State)
	}
	return buf
}

// DecodeAwarenessBlob unpacks an awareness blob.
func DecodeAwarenessBlob(blob []byte) (entries []AwarenessEntry, err error) {
	count, blob, err := TakeUvarint(blob)
	if err != nil {
		return nil, err
	}
	// every entry takes at least two bytes, so a count beyond that bound
	// cannot be honest; checking before the alloc keeps a hostile count
	// from sizing the slice
	if count > uint64(len(blob))/2 {
		return nil, ErrBadFrame
	}
	entries = make([]AwarenessEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e AwarenessEntry
		e.ClientID, blob, err = TakeUvarint(blob)
		if err != nil {
			return nil, err
		}
		e.State, blob, err = TakeBytes(blob)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
