package quiche

import (
	"errors"

	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Crypto Stream", func() {
	var str *cryptoStream

	BeforeEach(func() {
		str = newCryptoStream()
	})

	Context("receiving data", func() {
		It("reassembles out-of-order CRYPTO frames", func() {
			Expect(str.HandleCryptoFrame(&wire.CryptoFrame{Offset: 3, Data: []byte("bar")})).To(Succeed())
			Expect(str.GetCryptoData()).To(BeNil())
			Expect(str.HandleCryptoFrame(&wire.CryptoFrame{Offset: 0, Data: []byte("foo")})).To(Succeed())
			var data []byte
			for {
				d := str.GetCryptoData()
				if d == nil {
					break
				}
				data = append(data, d...)
			}
			Expect(data).To(Equal([]byte("foobar")))
		})

		It("rejects data after the level was retired", func() {
			Expect(str.HandleCryptoFrame(&wire.CryptoFrame{Data: []byte("foo")})).To(Succeed())
			for str.GetCryptoData() != nil {
			}
			Expect(str.Finish()).To(Succeed())
			// data beyond the highest received offset is rejected
			err := str.HandleCryptoFrame(&wire.CryptoFrame{Offset: 3, Data: []byte("bar")})
			Expect(err).To(HaveOccurred())
			var transportErr *qerr.TransportError
			Expect(errors.As(err, &transportErr)).To(BeTrue())
			Expect(transportErr.ErrorCode).To(Equal(qerr.ProtocolViolation))
			// retransmissions of old data are ignored
			Expect(str.HandleCryptoFrame(&wire.CryptoFrame{Offset: 0, Data: []byte("foo")})).To(Succeed())
		})

		It("refuses to finish with pending data", func() {
			Expect(str.HandleCryptoFrame(&wire.CryptoFrame{Offset: 10, Data: []byte("data")})).To(Succeed())
			Expect(str.Finish()).ToNot(Succeed())
		})

		It("rejects excessive offsets", func() {
			err := str.HandleCryptoFrame(&wire.CryptoFrame{Offset: protocol.MaxCryptoStreamOffset, Data: []byte("x")})
			var transportErr *qerr.TransportError
			Expect(errors.As(err, &transportErr)).To(BeTrue())
			Expect(transportErr.ErrorCode).To(Equal(qerr.CryptoBufferExceeded))
		})
	})

	Context("sending data", func() {
		It("chops queued data into CRYPTO frames", func() {
			_, err := str.Write([]byte("lorem ipsum dolor sit amet"))
			Expect(err).ToNot(HaveOccurred())
			Expect(str.HasData()).To(BeTrue())

			var data []byte
			for str.HasData() {
				f := str.PopCryptoFrame(10)
				Expect(f).ToNot(BeNil())
				Expect(f.Length(protocol.Version1)).To(BeNumerically("<=", 10))
				Expect(f.Offset).To(Equal(protocol.ByteCount(len(data))))
				data = append(data, f.Data...)
			}
			Expect(data).To(Equal([]byte("lorem ipsum dolor sit amet")))
		})
	})
})
