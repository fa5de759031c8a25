package wire

// Custom WebSocket close codes.
// https://www.rfc-editor.org/rfc/rfc6455#section-7.4.2
const (
	CloseCodeMissingNodeID  int = 4002
	CloseCodeInvalidFrame   int = 4003
	CloseCodeGatewayClosing int = 4004
)

// Frame prefixes.
const (
	SessionEventPrefix uint8 = 0x1
	LinkOutPrefix      uint8 = 0x2
)

func IsKnownLinkErrorCode(code int) bool {
	return code == CloseCodeMissingNodeID ||
		code == CloseCodeInvalidFrame
}

var codeNameMap = map[int]string{
	CloseCodeMissingNodeID:  "CloseCodeMissingNodeID",
	CloseCodeInvalidFrame:   "CloseCodeInvalidFrame",
	CloseCodeGatewayClosing: "CloseCodeGatewayClosing",
}

func CloseCodeName(code int) string {
	name, exists := codeNameMap[code]
	if exists {
		return name
	}
	return "UnknownCode"
}
