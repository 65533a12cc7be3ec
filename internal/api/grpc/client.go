package grpcapi

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"speaker-transcription-service/internal/models"
)

// TranscribeClient is the client side of one Transcribe stream.
type TranscribeClient struct {
	stream grpc.ClientStream
}

// Transcribe opens a Transcribe stream on cc. An empty provider selects the
// server default.
func Transcribe(ctx context.Context, cc grpc.ClientConnInterface, key, provider string, opts ...grpc.CallOption) (*TranscribeClient, error) {
	md := metadata.Pairs(MetadataAPIKey, key)
	if provider != "" {
		md.Set(MetadataProvider, provider)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], TranscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &TranscribeClient{stream: stream}, nil
}

// Send sends one audio frame.
func (c *TranscribeClient) Send(audio []byte) error {
	return c.stream.SendMsg(wrapperspb.Bytes(audio))
}

// CloseSend signals the end of audio.
func (c *TranscribeClient) CloseSend() error {
	return c.stream.CloseSend()
}

// Recv blocks for the next session update. It returns io.EOF once the
// session has finished cleanly.
func (c *TranscribeClient) Recv() (models.SessionUpdate, error) {
	msg := &structpb.Struct{}
	if err := c.stream.RecvMsg(msg); err != nil {
		return models.SessionUpdate{}, err
	}
	return StructToUpdate(msg)
}

// SessionID returns the id the server assigned, waiting for response headers.
func (c *TranscribeClient) SessionID() (string, error) {
	md, err := c.stream.Header()
	if err != nil {
		return "", err
	}
	if v := md.Get(MetadataSessionID); len(v) > 0 {
		return v[0], nil
	}
	return "", nil
}

// StructToUpdate is the inverse of UpdateToStruct.
func StructToUpdate(msg *structpb.Struct) (models.SessionUpdate, error) {
	var u models.SessionUpdate
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return u, err
	}
	err = json.Unmarshal(raw, &u)
	return u, err
}
