package virtio

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureNotifyOnEmpty asks the device to notify the driver when it runs
	// out of available descriptors, even if notifications are suppressed.
	FeatureNotifyOnEmpty Feature = 1 << 24

	// FeatureAnyLayout indicates that the device accepts arbitrary descriptor
	// layouts.
	FeatureAnyLayout Feature = 1 << 27

	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event and avail_event fields, which
	// replace flag based notification suppression with watermark indexes.
	FeatureEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification.
	FeatureVersion1 Feature = 1 << 32
)

// Feature bits defined by vhost.
const (
	// FeatureLogAll indicates that the device logs every write into guest
	// memory to the dirty log.
	FeatureLogAll Feature = 1 << 26

	// FeatureProtocolFeatures indicates that the vhost-user protocol feature
	// negotiation is supported.
	FeatureProtocolFeatures Feature = 1 << 30
)

// Has reports whether every bit in want is set.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}
