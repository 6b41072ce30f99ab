package constants

// EntryStatus is the canonical status for rows in queue_entries.
type EntryStatus string

// Stable values (store these exact strings in DB).
const (
	StatusUploaded        EntryStatus = "uploaded"         // landed, not yet validated
	StatusQueued          EntryStatus = "queued"           // validated, eligible for processing
	StatusProcessing      EntryStatus = "processing"       // extraction in flight
	StatusParsed          EntryStatus = "parsed"           // extraction succeeded
	StatusEmbedded        EntryStatus = "embedded"         // secondary indexing succeeded
	StatusEmbeddingFailed EntryStatus = "embedding_failed" // quarantined from backfill
	StatusImported        EntryStatus = "imported"         // downstream import finished
	StatusFailed          EntryStatus = "failed"           // terminal extraction failure
)

var allStatuses = map[EntryStatus]struct{}{
	StatusUploaded:        {},
	StatusQueued:          {},
	StatusProcessing:      {},
	StatusParsed:          {},
	StatusEmbedded:        {},
	StatusEmbeddingFailed: {},
	StatusImported:        {},
	StatusFailed:          {},
}

// ValidStatus reports whether s is one of the canonical status strings.
func ValidStatus(s EntryStatus) bool {
	_, ok := allStatuses[s]
	return ok
}

// CanProcess reports whether an entry in status s may be handed to a
// processor. Only queued entries and explicitly retried failures qualify;
// everything else is a caller error.
func CanProcess(s EntryStatus) bool {
	return s == StatusQueued || s == StatusFailed
}

// Terminal reports whether s is a resting state that no processor will
// advance on its own.
func Terminal(s EntryStatus) bool {
	switch s {
	case StatusParsed, StatusEmbedded, StatusEmbeddingFailed, StatusImported, StatusFailed:
		return true
	}
	return false
}
