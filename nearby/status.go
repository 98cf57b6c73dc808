package nearby

import (
	"fmt"
	"strconv"
)

// StatusCode is the resolution code a transport reports for a connection attempt.
// Values follow the Nearby Connections status codes.
type StatusCode int

const (
	StatusOK               StatusCode = 0
	StatusNetworkError     StatusCode = 7
	StatusError            StatusCode = 13
	StatusTimeout          StatusCode = 15
	StatusCancelled        StatusCode = 16
	StatusAlreadyConnected StatusCode = 8003
	StatusRejected         StatusCode = 8004
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusNetworkError:
		return "NETWORK_ERROR"
	case StatusError:
		return "ERROR"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusCancelled:
		return "CANCELLED"
	case StatusAlreadyConnected:
		return "ALREADY_CONNECTED_TO_ENDPOINT"
	case StatusRejected:
		return "CONNECTION_REJECTED"
	default:
		return "STATUS_" + strconv.Itoa(int(c))
	}
}

// Alert is a user-facing notice produced by a connection resolution.
type Alert struct {
	Title   string
	Message string
}

// Outcome is what a resolution status means for the negotiation.
type Outcome struct {
	State ConnectionState
	// Alert is nil when the resolution is log-only.
	Alert *Alert
	// Retryable marks failures the user may retry by requesting the connection again.
	Retryable bool
}

// OutcomeFor maps a resolution status to the negotiation outcome for endpointID.
// Every outcome leaves the endpoint re-requestable.
func OutcomeFor(endpointID string, status StatusCode) Outcome {
	switch status {
	case StatusOK:
		return Outcome{
			State: StateConnected,
			Alert: &Alert{
				Title:   "Connection Successful",
				Message: "You successfully connected to endpoint " + endpointID,
			},
		}
	case StatusRejected:
		return Outcome{State: StateRejected}
	case StatusTimeout:
		return Outcome{
			State:     StateDisconnected,
			Alert:     failureAlert("Connection Failed", "Timeout while trying to connect.", status),
			Retryable: true,
		}
	case StatusCancelled:
		return Outcome{
			State:     StateDisconnected,
			Alert:     failureAlert("Connection Lost", "Connection was cancelled.", status),
			Retryable: true,
		}
	case StatusNetworkError:
		return Outcome{
			State:     StateDisconnected,
			Alert:     failureAlert("Connection Lost", "A network error occurred. Please try again.", status),
			Retryable: true,
		}
	case StatusError:
		return Outcome{
			State:     StateDisconnected,
			Alert:     failureAlert("Connection Lost", "Disconnected.", status),
			Retryable: true,
		}
	case StatusAlreadyConnected:
		return Outcome{
			State: StateDisconnected,
			Alert: failureAlert("Connection Failed", "Endpoint "+endpointID+" is already connected to another device.", status),
		}
	default:
		return Outcome{
			State:     StateDisconnected,
			Alert:     failureAlert("Connection Failed", "Unexpected connection status.", status),
			Retryable: true,
		}
	}
}

func failureAlert(title, message string, status StatusCode) *Alert {
	return &Alert{
		Title:   title,
		Message: fmt.Sprintf("%s Error code: %d", message, int(status)),
	}
}

// PayloadTransferStatus is the progress state of one payload transfer.
type PayloadTransferStatus int

const (
	TransferSuccess    PayloadTransferStatus = 1
	TransferFailure    PayloadTransferStatus = 2
	TransferInProgress PayloadTransferStatus = 3
	TransferCancelled  PayloadTransferStatus = 4
)

func (s PayloadTransferStatus) String() string {
	switch s {
	case TransferSuccess:
		return "SUCCESS"
	case TransferFailure:
		return "FAILURE"
	case TransferInProgress:
		return "IN_PROGRESS"
	case TransferCancelled:
		return "CANCELLED"
	default:
		return "TRANSFER_" + strconv.Itoa(int(s))
	}
}
