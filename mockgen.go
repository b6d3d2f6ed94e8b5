//go:build gomock || generate

package quiche

//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package quiche -self_package github.com/chromium-cheri/quiche -source send_stream.go -destination mock_stream_sender_test.go -mock_names streamSender=MockStreamSender streamSender"
