package viewer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmmdekkd/yunkit/internal/relay"
)

// Methods offered by the composer, in menu order.
var Methods = []string{
	relay.MethodMessage,
	relay.MethodSendMsg,
	relay.MethodSendFile,
	relay.MethodRecallMsg,
	relay.MethodPickFriend,
}

// Compose builds the call frame for method and the composer input, and the
// echo line shown locally once it is sent. For sendFile the input is a
// file path whose bytes are sent base64 encoded.
func Compose(method, input string) (relay.Frame, string, error) {
	if method == "" {
		method = relay.MethodMessage
	}
	text := strings.TrimSpace(input)
	f := relay.Frame{Action: relay.ActionCall, Method: method}

	switch method {
	case relay.MethodSendFile:
		if text == "" {
			return relay.Frame{}, "", errors.New("请先选择文件")
		}
		data, err := os.ReadFile(text)
		if err != nil {
			return relay.Frame{}, "", fmt.Errorf("读取文件失败: %w", err)
		}
		f.File = base64.StdEncoding.EncodeToString(data)
		f.Name = filepath.Base(text)
		return f, "[发送文件] " + f.Name, nil
	case relay.MethodSendMsg:
		f.Content = relay.Content{Segments: relay.TextMessage(text)}
	case relay.MethodRecallMsg:
		f.MessageID = relay.ID(text)
	case relay.MethodPickFriend:
	default:
		f.Content = relay.Content{Text: text}
	}
	return f, fmt.Sprintf("[发送] %s -> %s", method, text), nil
}
