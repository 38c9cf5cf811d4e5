package hycast

// PduId identifies the kind of a protocol data unit on the wire. It is the
// first byte of every framed message.
type PduId uint8

const (
	PduUnset           PduId = iota // reserved
	PduPubPathNotice                // remote's path-to-publisher status
	PduProdInfoNotice               // product-information is available
	PduDataSegNotice                // a data-segment is available
	PduProdInfoRequest              // request for product-information
	PduDataSegRequest               // request for a data-segment
	PduProdInfo                     // product-information
	PduDataSeg                      // a data-segment
)

func (id PduId) String() string {
	switch id {
	case PduPubPathNotice:
		return "PUB_PATH_NOTICE"
	case PduProdInfoNotice:
		return "PROD_INFO_NOTICE"
	case PduDataSegNotice:
		return "DATA_SEG_NOTICE"
	case PduProdInfoRequest:
		return "PROD_INFO_REQUEST"
	case PduDataSegRequest:
		return "DATA_SEG_REQUEST"
	case PduProdInfo:
		return "PROD_INFO"
	case PduDataSeg:
		return "DATA_SEG"
	}
	return "UNSET"
}
