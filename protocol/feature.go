package protocol

// Feature contains vhost-user protocol feature bits negotiated through
// GET_PROTOCOL_FEATURES and SET_PROTOCOL_FEATURES.
type Feature uint64

const (
	FeatureMQ                  Feature = 1 << 0
	FeatureLogSHMFD            Feature = 1 << 1
	FeatureRARP                Feature = 1 << 2
	FeatureReplyAck            Feature = 1 << 3
	FeatureNetMTU              Feature = 1 << 4
	FeatureSlaveReq            Feature = 1 << 5
	FeatureCrossEndian         Feature = 1 << 6
	FeatureCryptoSession       Feature = 1 << 7
	FeaturePagefault           Feature = 1 << 8
	FeatureConfig              Feature = 1 << 9
	FeatureSlaveSendFD         Feature = 1 << 10
	FeatureHostNotifier        Feature = 1 << 11
	FeatureInflightSHMFD       Feature = 1 << 12
	FeatureResetDevice         Feature = 1 << 13
	FeatureInbandNotifications Feature = 1 << 14
	FeatureConfigureMemSlots   Feature = 1 << 15
)

// Has reports whether every bit in want is set.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}
