package frames

// Meta keys shared across transports, providers and the call agent.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaReason        = "reason"
	MetaIsFinal       = "is_final"
	MetaSpeechFinal   = "speech_final"
	MetaFromNumber    = "from_number"
	MetaToNumber      = "to_number"
	MetaEncoding      = "encoding"
	MetaFormat        = "format"
	MetaLanguage      = "language"
	MetaVoiceID       = "voice_id"
	MetaKnowledgeBase = "kb_id"
	MetaCampaignID    = "campaign_id"
	MetaMarkName      = "mark_name"
	MetaCallEndReason = "call_end_reason"
)
