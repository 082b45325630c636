package ports

// Codec is the opaque East value codec (component A). The core
// treats encoded bytes and text as opaque; a decode always yields both the
// value's declared type and the value itself, since East is self-describing.
//
//go:generate go run go.uber.org/mock/mockgen -source=codec.go -destination=mocks/mock_codec.go -package=mocks
type Codec interface {
	EncodeValue(typ string, value any) ([]byte, error)
	DecodeValue(data []byte) (typ string, value any, err error)
	EncodeText(typ string, value any) (string, error)
	ParseTextInferring(text string) (typ string, value any, err error)
}
