package ble

import "fmt"

// Reason is an HCI error code.
type Reason uint8

const (
	ReasonSuccess                Reason = 0x00
	ReasonUnknownConnID          Reason = 0x02
	ReasonAuthFailure            Reason = 0x05
	ReasonPinOrKeyMissing        Reason = 0x06
	ReasonConnTimeout            Reason = 0x08
	ReasonRemoteUserTerminated   Reason = 0x13
	ReasonRemoteLowResources     Reason = 0x14
	ReasonLocalHostTerminated    Reason = 0x16
	ReasonUnspecified            Reason = 0x1f
	ReasonConnFailedToEstablish  Reason = 0x3e
	ReasonInsufficientSecurity   Reason = 0x2f
	ReasonUnsupportedRemoteFeat  Reason = 0x1a
	ReasonConnRejectedLimitedRes Reason = 0x0d
)

var reasonText = map[Reason]string{
	ReasonSuccess:                "Success",
	ReasonUnknownConnID:          "Unknown Connection Identifier",
	ReasonAuthFailure:            "Authentication Failure",
	ReasonPinOrKeyMissing:        "PIN or Key Missing",
	ReasonConnTimeout:            "Connection Timeout",
	ReasonRemoteUserTerminated:   "Remote User Terminated Connection",
	ReasonRemoteLowResources:     "Remote Device Terminated due to Low Resources",
	ReasonLocalHostTerminated:    "Connection Terminated By Local Host",
	ReasonUnspecified:            "Unspecified Error",
	ReasonConnFailedToEstablish:  "Connection Failed to be Established",
	ReasonInsufficientSecurity:   "Insufficient Security",
	ReasonUnsupportedRemoteFeat:  "Unsupported Remote Feature",
	ReasonConnRejectedLimitedRes: "Connection Rejected due to Limited Resources",
}

func (r Reason) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("Unknown HCI error 0x%02x", uint8(r))
}

// SecurityErr is the outcome code of a security elevation.
type SecurityErr uint8

const (
	SecurityErrSuccess SecurityErr = iota
	SecurityErrAuthFail
	SecurityErrPinOrKeyMissing
	SecurityErrOOBNotAvailable
	SecurityErrAuthRequirement
	SecurityErrPairNotSupported
	SecurityErrPairNotAllowed
	SecurityErrInvalidParam
	SecurityErrKeyRejected
	SecurityErrUnspecified
)

func (e SecurityErr) String() string {
	switch e {
	case SecurityErrSuccess:
		return "Success"
	case SecurityErrAuthFail:
		return "Authentication failure"
	case SecurityErrPinOrKeyMissing:
		return "PIN or key missing"
	case SecurityErrOOBNotAvailable:
		return "OOB not available"
	case SecurityErrAuthRequirement:
		return "Authentication requirements"
	case SecurityErrPairNotSupported:
		return "Pairing not supported"
	case SecurityErrPairNotAllowed:
		return "Pairing not allowed"
	case SecurityErrInvalidParam:
		return "Invalid parameters"
	case SecurityErrKeyRejected:
		return "Key rejected"
	case SecurityErrUnspecified:
		return "Unspecified"
	}
	return "Unknown"
}
