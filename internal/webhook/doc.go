// Package webhook exposes signed HTTP endpoints that feed text into the chat
// session.
//
// Each endpoint is bound to one action:
//
//   - chat: the text is sent as user input and the response carries the
//     finished turn's output.
//   - transcribe: the text is broadcast as audio.input.transcribe and the
//     request returns 202 without waiting for a turn.
//
// Every delivery must carry an HMAC-SHA256 signature of the raw body in the
// configured header, formatted as "sha256=<hex>". Verification failures
// always answer a generic 403. Bodies over the endpoint limit answer 413.
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/stt
//	      action: transcribe
//	      secret: ${STT_WEBHOOK_SECRET}
//	      max_body_size: 64KB
//
// Request bodies are never logged.
package webhook
