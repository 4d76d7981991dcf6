package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrInvalidParam)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("无效的参数", err.Message)
	suite.Empty(err.Details)

	err = New(ErrTransportDetection, "候选表已耗尽")
	suite.Equal(ErrTransportDetection, err.Code)
	suite.Equal("未找到兼容的MDB适配器", err.Message)
	suite.Equal("候选表已耗尽", err.Details)

	err = New(ErrSerialPortOpen, "打开失败", "设备: /dev/ttyACM0")
	suite.Equal("打开失败; 设备: /dev/ttyACM0", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrAmountOutOfRange, "金额 %d 超出区间 [%d, %d]", 99999, 50, 10000)
	suite.NotNil(err)
	suite.Equal(ErrAmountOutOfRange, err.Code)
	suite.Equal("金额 99999 超出区间 [50, 10000]", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("device or resource busy")
	wrappedErr := Wrap(originalErr, ErrSerialPortOpen)
	suite.NotNil(wrappedErr)
	suite.Equal(ErrSerialPortOpen, wrappedErr.Code)
	suite.Equal("device or resource busy", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	suite.Nil(Wrap(nil, ErrUnknown))

	// 包装已有的AppError保留原始错误码
	appErr := New(ErrSessionFatal, "连续超时")
	wrappedAppErr := Wrap(appErr, ErrUnknown, "轮询阶段")
	suite.Equal(ErrSessionFatal, wrappedAppErr.Code)
	suite.Contains(wrappedAppErr.Details, "轮询阶段")
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrSessionFatal)
	suite.True(Is(err, ErrSessionFatal))
	suite.False(Is(err, ErrChecksum))
	suite.False(Is(nil, ErrSessionFatal))

	standardErr := errors.New("标准错误")
	suite.False(Is(standardErr, ErrUnknown))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrGatewayUnavailable, GetCode(New(ErrGatewayUnavailable)))
	suite.Equal(ErrorCode(0), GetCode(nil))
	suite.Equal(ErrUnknown, GetCode(errors.New("其他错误")))
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	suite.True(IsRetryable(New(ErrSerialTimeout)))
	suite.True(IsRetryable(New(ErrChecksum)))
	suite.False(IsRetryable(New(ErrSessionFatal)))
	suite.False(IsRetryable(nil))
}

// 测试严重错误判断
func (suite *ErrorsTestSuite) TestIsCritical() {
	suite.True(IsCritical(New(ErrSessionFatal)))
	suite.False(IsCritical(New(ErrSerialTimeout)))
}

// 测试错误消息格式
func (suite *ErrorsTestSuite) TestErrorString() {
	err := New(ErrChecksum)
	suite.Contains(err.Error(), "校验和错误")

	err = New(ErrChecksum, "位置3")
	suite.Contains(err.Error(), "位置3")
}

func TestErrorsTestSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
