package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGAvatarBot/internal/provider"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func validConfig() Config {
	return Config{Region: "eu-central-1", AccessKey: "ak", SecretKey: "sk", Bucket: "avatars", PublicBaseURL: "https://cdn.example.com/"}
}

func TestNewUploaderValidates(t *testing.T) {
	cfg := validConfig()
	cfg.Bucket = ""
	_, err := NewUploader(cfg)
	require.Error(t, err)

	u, err := NewUploader(validConfig())
	require.NoError(t, err)
	assert.Equal(t, "selfies", u.cfg.Prefix)
}

func TestHostUploadsAndReturnsPublicURL(t *testing.T) {
	u, err := NewUploader(validConfig())
	require.NoError(t, err)
	fake := &fakePutter{}
	u.client = fake
	u.now = func() time.Time { return time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) }

	url, err := u.Host(context.Background(), provider.Image{Data: []byte("png"), ContentType: "image/png"})
	require.NoError(t, err)

	key := aws.ToString(fake.input.Key)
	assert.True(t, strings.HasPrefix(key, "selfies/2026/03/07/"), key)
	assert.True(t, strings.HasSuffix(key, ".png"), key)
	assert.Equal(t, "https://cdn.example.com/"+key, url)
	assert.Equal(t, "avatars", aws.ToString(fake.input.Bucket))
	assert.Equal(t, []byte("png"), fake.body)
}

func TestHostErrors(t *testing.T) {
	u, err := NewUploader(validConfig())
	require.NoError(t, err)
	fake := &fakePutter{err: errors.New("denied")}
	u.client = fake

	_, err = u.Host(context.Background(), provider.Image{})
	require.Error(t, err)
	assert.Nil(t, fake.input)

	_, err = u.Host(context.Background(), provider.Image{Data: []byte("x")})
	require.ErrorContains(t, err, "denied")
	assert.Equal(t, "image/jpeg", aws.ToString(fake.input.ContentType))
	assert.True(t, strings.HasSuffix(aws.ToString(fake.input.Key), ".jpg"))
}
