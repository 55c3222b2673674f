package header

import "fmt"

// Request is the opcode of a message sent by the front-end over the control
// socket.
type Request uint32

const (
	RequestNone                Request = 0
	RequestGetFeatures         Request = 1
	RequestSetFeatures         Request = 2
	RequestSetOwner            Request = 3
	RequestResetOwner          Request = 4
	RequestSetMemTable         Request = 5
	RequestSetLogBase          Request = 6
	RequestSetLogFD            Request = 7
	RequestSetVringNum         Request = 8
	RequestSetVringAddr        Request = 9
	RequestSetVringBase        Request = 10
	RequestGetVringBase        Request = 11
	RequestSetVringKick        Request = 12
	RequestSetVringCall        Request = 13
	RequestSetVringErr         Request = 14
	RequestGetProtocolFeatures Request = 15
	RequestSetProtocolFeatures Request = 16
	RequestGetQueueNum         Request = 17
	RequestSetVringEnable      Request = 18
	RequestSendRARP            Request = 19
	RequestNetSetMTU           Request = 20
	RequestSetSlaveReqFD       Request = 21
	RequestIOTLBMsg            Request = 22
	RequestSetVringEndian      Request = 23
	RequestGetConfig           Request = 24
	RequestSetConfig           Request = 25
	RequestCreateCryptoSession Request = 26
	RequestCloseCryptoSession  Request = 27
	RequestPostcopyAdvise      Request = 28
	RequestPostcopyListen      Request = 29
	RequestPostcopyEnd         Request = 30
	RequestGetInflightFD       Request = 31
	RequestSetInflightFD       Request = 32
	RequestGPUSetSocket        Request = 33
	RequestResetDevice         Request = 34
	RequestVringKick           Request = 35
	RequestGetMaxMemSlots      Request = 36
	RequestAddMemReg           Request = 37
	RequestRemMemReg           Request = 38
	RequestSetStatus           Request = 39
	RequestGetStatus           Request = 40

	// RequestMax is one past the highest known request code.
	RequestMax Request = 41
)

var requestNames = map[Request]string{
	RequestNone:                "none",
	RequestGetFeatures:         "get_features",
	RequestSetFeatures:         "set_features",
	RequestSetOwner:            "set_owner",
	RequestResetOwner:          "reset_owner",
	RequestSetMemTable:         "set_mem_table",
	RequestSetLogBase:          "set_log_base",
	RequestSetLogFD:            "set_log_fd",
	RequestSetVringNum:         "set_vring_num",
	RequestSetVringAddr:        "set_vring_addr",
	RequestSetVringBase:        "set_vring_base",
	RequestGetVringBase:        "get_vring_base",
	RequestSetVringKick:        "set_vring_kick",
	RequestSetVringCall:        "set_vring_call",
	RequestSetVringErr:         "set_vring_err",
	RequestGetProtocolFeatures: "get_protocol_features",
	RequestSetProtocolFeatures: "set_protocol_features",
	RequestGetQueueNum:         "get_queue_num",
	RequestSetVringEnable:      "set_vring_enable",
	RequestSendRARP:            "send_rarp",
	RequestNetSetMTU:           "net_set_mtu",
	RequestSetSlaveReqFD:       "set_slave_req_fd",
	RequestIOTLBMsg:            "iotlb_msg",
	RequestSetVringEndian:      "set_vring_endian",
	RequestGetConfig:           "get_config",
	RequestSetConfig:           "set_config",
	RequestCreateCryptoSession: "create_crypto_session",
	RequestCloseCryptoSession:  "close_crypto_session",
	RequestPostcopyAdvise:      "postcopy_advise",
	RequestPostcopyListen:      "postcopy_listen",
	RequestPostcopyEnd:         "postcopy_end",
	RequestGetInflightFD:       "get_inflight_fd",
	RequestSetInflightFD:       "set_inflight_fd",
	RequestGPUSetSocket:        "gpu_set_socket",
	RequestResetDevice:         "reset_device",
	RequestVringKick:           "vring_kick",
	RequestGetMaxMemSlots:      "get_max_mem_slots",
	RequestAddMemReg:           "add_mem_reg",
	RequestRemMemReg:           "rem_mem_reg",
	RequestSetStatus:           "set_status",
	RequestGetStatus:           "get_status",
}

func (r Request) String() string {
	if n, ok := requestNames[r]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint32(r))
}

// Known reports whether r is one of the request codes defined by the protocol.
func (r Request) Known() bool {
	_, ok := requestNames[r]
	return ok
}

// SlaveRequest is the opcode of a message sent by the backend over the slave
// channel.
type SlaveRequest uint32

const (
	SlaveNone              SlaveRequest = 0
	SlaveIOTLBMsg          SlaveRequest = 1
	SlaveConfigChangeMsg   SlaveRequest = 2
	SlaveVringHostNotifier SlaveRequest = 3
	SlaveVringCall         SlaveRequest = 4
	SlaveVringErr          SlaveRequest = 5

	// SlaveMax is one past the highest known slave request code.
	SlaveMax SlaveRequest = 6
)

var slaveRequestNames = map[SlaveRequest]string{
	SlaveNone:              "none",
	SlaveIOTLBMsg:          "iotlb_msg",
	SlaveConfigChangeMsg:   "config_change_msg",
	SlaveVringHostNotifier: "vring_host_notifier_msg",
	SlaveVringCall:         "vring_call",
	SlaveVringErr:          "vring_err",
}

func (r SlaveRequest) String() string {
	if n, ok := slaveRequestNames[r]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint32(r))
}
