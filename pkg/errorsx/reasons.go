package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSend      ReasonCode = "tts_send"
	ReasonTTSStream    ReasonCode = "tts_stream"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonLLMGenerate  ReasonCode = "llm_generate"
	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonDial                      ReasonCode = "dial_failed"

	ReasonSessionAcquire ReasonCode = "session_acquire"
	ReasonKnowledgeLoad  ReasonCode = "knowledge_load"

	ReasonLedgerUpdate    ReasonCode = "ledger_update"
	ReasonCampaignMissing ReasonCode = "campaign_missing"
	ReasonCampaignRun     ReasonCode = "campaign_run"
)
