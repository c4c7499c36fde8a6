package transform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/shelf-weaver/internal/product"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

type rewriterFunc func(ctx context.Context, text string, dict Dictionary) (string, error)

func (f rewriterFunc) Rewrite(ctx context.Context, text string, dict Dictionary) (string, error) {
	return f(ctx, text, dict)
}

type loaderFunc func(ctx context.Context, url string) ([]byte, error)

func (f loaderFunc) Load(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

type processorFunc func(ctx context.Context, image []byte) ([]byte, error)

func (f processorFunc) RemoveBackground(ctx context.Context, image []byte) ([]byte, error) {
	return f(ctx, image)
}

func sampleRecord() product.Record {
	rec := product.New("https://shop.example.com/p/1", "Lenovo IdeaPad 3",
		product.KnownPrice(decimal.NewFromInt(1299), "USD"), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec.OriginalDescription = "Fast and reliable laptop"
	rec.Description = rec.OriginalDescription
	rec.Images = []string{"https://shop.example.com/img/1.jpg", "https://shop.example.com/img/2.jpg"}
	rec.Article = "NB-0A1B2C3D"
	return rec
}

func TestApplyWithoutCapabilitiesFallsBack(t *testing.T) {
	rec := sampleRecord()
	out, warnings := NewTransformer(Config{}).Apply(context.Background(), rec)

	assert.Equal(t, rec.OriginalDescription, out.Description)
	assert.Equal(t, rec.Images, out.TransformedImages)
	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.True(t, errors.Is(w, ErrCapabilityUnavailable))
		assert.Equal(t, rec.Key, w.Key)
	}
	assert.Equal(t, rec.Key, out.Key)
	assert.Equal(t, rec.Name, out.Name)
	assert.True(t, rec.Price.Equal(out.Price))
}

func TestApplyFailingRewriterKeepsOriginal(t *testing.T) {
	rec := sampleRecord()
	tr := NewTransformer(Config{
		Text: rewriterFunc(func(context.Context, string, Dictionary) (string, error) {
			return "", errors.New("model offline")
		}),
	})

	out, warnings := tr.Apply(context.Background(), rec)
	assert.Equal(t, rec.OriginalDescription, out.Description)
	assert.Equal(t, rec.OriginalDescription, out.OriginalDescription)

	var failed bool
	for _, w := range warnings {
		if w.Field == "description" {
			failed = errors.Is(w, ErrCapabilityFailed)
			assert.Equal(t, "capability_failed", w.Reason())
		}
	}
	assert.True(t, failed)
}

func TestApplyTimesOutStuckCapability(t *testing.T) {
	rec := sampleRecord()
	release := make(chan struct{})
	defer close(release)

	tr := NewTransformer(Config{
		Timeout: 20 * time.Millisecond,
		Text: rewriterFunc(func(context.Context, string, Dictionary) (string, error) {
			<-release
			return "late", nil
		}),
	})

	start := time.Now()
	out, warnings := tr.Apply(context.Background(), rec)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, rec.OriginalDescription, out.Description)
	require.NotEmpty(t, warnings)
	assert.True(t, errors.Is(warnings[0], ErrCapabilityTimeout))
}

func TestApplyImagePipeline(t *testing.T) {
	rec := sampleRecord()
	sink, err := NewDiskImageSink(t.TempDir())
	require.NoError(t, err)

	tr := NewTransformer(Config{
		Text: NewSynonymRewriter(DefaultPreservedTerms),
		Loader: loaderFunc(func(_ context.Context, url string) ([]byte, error) {
			if strings.HasSuffix(url, "2.jpg") {
				return nil, errors.New("404")
			}
			return pngBytes, nil
		}),
		Images:     processorFunc(func(_ context.Context, image []byte) ([]byte, error) { return image, nil }),
		Sink:       sink,
		Dictionary: DefaultDictionary(),
	})

	out, warnings := tr.Apply(context.Background(), rec)
	require.Len(t, out.TransformedImages, 2)
	assert.True(t, strings.HasSuffix(out.TransformedImages[0], "NB-0A1B2C3D_00.png"))
	_, statErr := os.Stat(out.TransformedImages[0])
	assert.NoError(t, statErr)

	assert.Equal(t, rec.Images[1], out.TransformedImages[1])
	require.Len(t, warnings, 1)
	assert.Equal(t, "images[1]", warnings[0].Field)

	assert.NotEqual(t, rec.OriginalDescription, out.Description)
	assert.Equal(t, rec.Images, out.Images)
}

func TestSynonymRewriter(t *testing.T) {
	dict := Dictionary{
		"fast":  {"quick", "rapid", "speedy"},
		"quiet": {"silent", "hushed"},
		"model": {"version"},
	}
	r := NewSynonymRewriter([]string{"model"})
	ctx := context.Background()

	out, err := r.Rewrite(ctx, "Fast and quiet", dict)
	require.NoError(t, err)
	parts := strings.Split(out, " ")
	require.Len(t, parts, 3)
	assert.Contains(t, []string{"Quick", "Rapid", "Speedy"}, parts[0])
	assert.Equal(t, "and", parts[1])
	assert.Contains(t, []string{"silent", "hushed"}, parts[2])

	again, err := r.Rewrite(ctx, "Fast and quiet", dict)
	require.NoError(t, err)
	assert.Equal(t, out, again)

	out, err = r.Rewrite(ctx, "2 fast chargers, new model", dict)
	require.NoError(t, err)
	assert.Equal(t, "2 fast chargers, new model", out)

	out, err = r.Rewrite(ctx, "FAST", dict)
	require.NoError(t, err)
	assert.Contains(t, []string{"QUICK", "RAPID", "SPEEDY"}, out)

	out, err = r.Rewrite(ctx, "Быстрый ноутбук", Dictionary{"быстрый": {"скоростной"}})
	require.NoError(t, err)
	assert.Equal(t, "Скоростной ноутбук", out)
}

func TestMergeDictionariesUserWins(t *testing.T) {
	merged := MergeDictionaries(Dictionary{"fast": {"quick"}, "big": {"large"}}, Dictionary{"Fast": {"speedy"}})
	assert.Equal(t, []string{"speedy"}, merged["fast"])
	assert.Equal(t, []string{"large"}, merged["big"])

	defaults := DefaultDictionary()
	defaults["good"] = nil
	assert.NotNil(t, DefaultDictionary()["good"])
}

func TestHTTPImageLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = w.Write(pngBytes)
		case "/page":
			_, _ = w.Write([]byte("<html><body>not an image</body></html>"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	l := NewHTTPImageLoader("shelf-weaver-test")
	data, err := l.Load(context.Background(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	_, err = l.Load(context.Background(), srv.URL+"/page")
	assert.ErrorIs(t, err, errNotImage)

	_, err = l.Load(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestRemoteBackgroundRemover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	out, err := NewRemoteBackgroundRemover(srv.URL, "shelf-weaver-test").RemoveBackground(context.Background(), pngBytes)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, out)
}
