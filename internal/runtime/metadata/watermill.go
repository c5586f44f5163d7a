package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill metadata into courier metadata.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill converts courier metadata into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	return message.Metadata(md.Clone())
}
