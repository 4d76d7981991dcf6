package mdb

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Dialect 适配器方言
type Dialect string

const (
	DialectBinary Dialect = "binary" // 二进制帧+校验和
	DialectText   Dialect = "text"   // ASCII文本行
)

// Opcode 逻辑命令码
type Opcode string

const (
	OpSetup            Opcode = "setup"
	OpPoll             Opcode = "poll"
	OpVendRequest      Opcode = "vend_request"
	OpVendApprove      Opcode = "vend_approve"
	OpVendDeny         Opcode = "vend_deny"
	OpSessionComplete  Opcode = "session_complete"
	OpReset            Opcode = "reset"
	OpExpansionRequest Opcode = "expansion_request"
	OpUnknown          Opcode = "unrecognized"
)

// 二进制方言命令字节
const (
	binReset     byte = 0x00
	binSetup     byte = 0x01
	binPoll      byte = 0x02
	binVend      byte = 0x03
	binReader    byte = 0x04
	binExpansion byte = 0x07

	// VEND命令子码
	vendDenySub    byte = 0x00
	vendApproveSub byte = 0x01

	// READER命令子码
	readerSessionEnd byte = 0x04

	// 单字节应答
	ackByte  byte = 0x00
	nackByte byte = 0xFF

	// 外设响应的模式位
	modeBitMask byte = 0x7F
)

// 文本方言命令字母（区分大小写：命令大写，响应小写）
var textCommands = map[Opcode]string{
	OpSetup:            "S",
	OpPoll:             "P",
	OpReset:            "R",
	OpExpansionRequest: "V",
	OpVendRequest:      "Q",
	OpVendApprove:      "A",
	OpVendDeny:         "D",
	OpSessionComplete:  "C",
}

// Status 响应分类
type Status string

const (
	StatusAck           Status = "ack"
	StatusNack          Status = "nack"
	StatusTimeout       Status = "timeout"
	StatusChecksumError Status = "checksum_error"
)

// Response 解码后的响应帧。Decode总是返回一个分类结果，从不报错。
type Response struct {
	Raw     []byte
	Dialect Dialect
	Opcode  Opcode
	Status  Status

	// 售货请求附带数据
	Amount     int64 // 售价（分）
	ItemNumber byte

	// 文本方言的逗号分隔字段
	Fields []string
}

// IsValid 响应是否可作为探测接受依据
func (r *Response) IsValid() bool {
	return r.Status == StatusAck || r.Status == StatusNack
}

// Checksum 计算MDB校验和（前序字节之和的低8位）
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Encode 将逻辑命令编码为指定方言的线上字节
func Encode(op Opcode, payload []byte, dialect Dialect) []byte {
	if dialect == DialectText {
		return encodeText(op, payload)
	}
	return encodeBinary(op, payload)
}

// encodeBinary 帧格式: [命令字节][数据...][校验和]
func encodeBinary(op Opcode, payload []byte) []byte {
	var body []byte

	switch op {
	case OpReset:
		body = []byte{binReset}
	case OpSetup:
		body = []byte{binSetup}
	case OpPoll:
		body = []byte{binPoll}
	case OpExpansionRequest:
		body = []byte{binExpansion}
	case OpVendApprove:
		body = []byte{binVend, vendApproveSub}
	case OpVendDeny:
		body = []byte{binVend, vendDenySub}
	case OpSessionComplete:
		body = []byte{binReader, readerSessionEnd}
	case OpVendRequest:
		// 通常由外设上报，编码仅用于测试和模拟器
		body = []byte{binSetup}
	default:
		body = []byte{binPoll}
	}

	body = append(body, payload...)
	return append(body, Checksum(body))
}

// encodeText 帧格式: 命令字母[,参数...]\n
func encodeText(op Opcode, payload []byte) []byte {
	cmd, ok := textCommands[op]
	if !ok {
		cmd = "P"
	}
	if len(payload) > 0 {
		cmd = cmd + "," + string(payload)
	}
	return []byte(cmd + "\n")
}

// Decode 解码响应字节。对所有输入都返回分类结果：
// 空输入归为超时，校验失败归为校验错误，无法识别的内容
// 归为unrecognized，调用方无需处理异常分支。
func Decode(raw []byte, dialect Dialect) *Response {
	resp := &Response{Raw: raw, Dialect: dialect, Opcode: OpUnknown}

	if len(raw) == 0 {
		resp.Status = StatusTimeout
		return resp
	}

	if dialect == DialectText {
		return decodeText(resp, raw)
	}
	return decodeBinary(resp, raw)
}

func decodeBinary(resp *Response, raw []byte) *Response {
	// 单字节应答无校验和
	if len(raw) == 1 {
		switch raw[0] {
		case ackByte:
			resp.Status = StatusAck
		case nackByte:
			resp.Status = StatusNack
		default:
			resp.Status = StatusChecksumError
		}
		return resp
	}

	// 校验和覆盖除末字节外的全部内容
	body := raw[:len(raw)-1]
	if Checksum(body) != raw[len(raw)-1] {
		resp.Status = StatusChecksumError
		return resp
	}

	resp.Status = StatusAck
	cmd := body[0] & modeBitMask
	payload := body[1:]

	switch cmd {
	case binReset:
		resp.Opcode = OpReset
	case binSetup:
		// 命令0x01既是SETUP应答也承载售货请求：
		// 带价格数据的归为售货请求
		if len(payload) >= 3 {
			resp.Opcode = OpVendRequest
			resp.Amount = int64(binary.BigEndian.Uint16(payload[0:2]))
			resp.ItemNumber = payload[2]
		} else {
			resp.Opcode = OpSetup
		}
	case binPoll:
		resp.Opcode = OpPoll
	case binVend:
		if len(payload) >= 1 && payload[0] == vendApproveSub {
			resp.Opcode = OpVendApprove
		} else if len(payload) >= 1 && payload[0] == vendDenySub {
			resp.Opcode = OpVendDeny
		}
	case binReader:
		if len(payload) >= 1 && payload[0] == readerSessionEnd {
			resp.Opcode = OpSessionComplete
		}
	case binExpansion:
		resp.Opcode = OpExpansionRequest
	}

	return resp
}

// 文本响应前缀表
func decodeText(resp *Response, raw []byte) *Response {
	line := strings.TrimRight(string(raw), "\r\n")
	if line == "" {
		resp.Status = StatusTimeout
		return resp
	}

	resp.Fields = strings.Split(line, ",")
	prefix := resp.Fields[0]

	switch prefix {
	case "v":
		// 版本/标识行: v,<major.minor.patch.build>,<hex id>
		resp.Opcode = OpExpansionRequest
		resp.Status = StatusAck
	case "s":
		resp.Opcode = OpSetup
		resp.Status = StatusAck
	case "p":
		resp.Opcode = OpPoll
		resp.Status = StatusAck
	case "r":
		resp.Opcode = OpReset
		resp.Status = StatusAck
	case "q":
		// 售货请求: q,<amount>,<item>
		resp.Opcode = OpVendRequest
		resp.Status = StatusAck
		if len(resp.Fields) >= 2 {
			if amount, err := strconv.ParseInt(resp.Fields[1], 10, 64); err == nil {
				resp.Amount = amount
			}
		}
		if len(resp.Fields) >= 3 {
			if item, err := strconv.ParseUint(resp.Fields[2], 10, 8); err == nil {
				resp.ItemNumber = byte(item)
			}
		}
	case "a":
		resp.Opcode = OpVendApprove
		resp.Status = StatusAck
	case "d":
		resp.Opcode = OpVendDeny
		resp.Status = StatusAck
	case "c":
		resp.Opcode = OpSessionComplete
		resp.Status = StatusAck
	case "e", "NACK":
		resp.Status = StatusNack
	default:
		// 未识别内容不是协议层错误，由调用方决定如何处理
		resp.Status = StatusNack
	}

	return resp
}

// Version 从版本行提取固件版本号，非版本行返回空串
func (r *Response) Version() string {
	if r.Opcode != OpExpansionRequest || len(r.Fields) < 2 {
		return ""
	}
	return r.Fields[1]
}
