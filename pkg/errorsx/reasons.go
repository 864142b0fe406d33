package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProtocolDecode      ReasonCode = "protocol_decode"
	ReasonProtocolSequence    ReasonCode = "protocol_invalid_seq"
	ReasonProtocolServerSeq   ReasonCode = "protocol_invalid_server_seq"
	ReasonProtocolSessionID   ReasonCode = "protocol_invalid_id"
	ReasonProtocolUnsupported ReasonCode = "protocol_unsupported_media"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTStream    ReasonCode = "stt_stream"
	ReasonSTTBatch     ReasonCode = "stt_batch"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSynthesize  ReasonCode = "tts_synthesize"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportDial             ReasonCode = "transport_dial"

	ReasonEventPublish ReasonCode = "event_publish"
	ReasonConfig       ReasonCode = "config_invalid"
)
