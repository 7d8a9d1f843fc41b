package syncml

// Protocol status codes carried in Status/Data. The device inspects these
// embedded values, not the HTTP status line.
const (
	StatusOK                    = 200
	StatusAcceptedForProcessing = 202
	StatusAuthAccepted          = 212
	StatusUnauthorized          = 401
	StatusNotFound              = 404
	StatusCredentialsMissing    = 407
	StatusCommandFailed         = 500
	StatusNotImplemented        = 501
)

// Alert codes.
const (
	AlertDisplay         = 1100
	AlertConfirm         = 1101
	AlertUserInput       = 1102
	AlertServerInitiated = 1200
	AlertClientInitiated = 1201
)

// Protocol identity constants for the one dialect the fleet speaks.
const (
	VerDTD   = "1.2"
	VerProto = "DM/1.2"
	XMLNS    = "SYNCML:SYNCML1.2"

	ContentTypeWBXML = "application/vnd.syncml.dm+wbxml"
	ContentTypeXML   = "application/vnd.syncml.dm+xml"

	AuthTypeMAC   = "syncml:auth-MAC"
	AuthTypeBasic = "syncml:auth-basic"
)
