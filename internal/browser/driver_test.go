package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrollDelta(t *testing.T) {
	tests := []struct {
		direction string
		distance  int
		dx, dy    float64
	}{
		{"down", 300, 0, 300},
		{"", 0, 0, DefaultScrollDistance},
		{"up", 200, 0, -200},
		{"left", 50, -50, 0},
		{"right", 75, 75, 0},
	}
	for _, tt := range tests {
		dx, dy, err := ScrollDelta(tt.direction, tt.distance)
		require.NoError(t, err, tt.direction)
		assert.Equal(t, tt.dx, dx, tt.direction)
		assert.Equal(t, tt.dy, dy, tt.direction)
	}

	_, _, err := ScrollDelta("sideways", 10)
	assert.Error(t, err)
}

func TestDriverErrorUnwrap(t *testing.T) {
	err := wrap("click", ErrInvalidTarget)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTarget))
	assert.Contains(t, err.Error(), "browser click")

	assert.NoError(t, wrap("click", nil))
}

func TestTimeoutMSUsesSmallerBudget(t *testing.T) {
	assert.Equal(t, float64(5000), timeoutMS(context.Background(), 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := timeoutMS(ctx, time.Minute)
	assert.LessOrEqual(t, got, float64(1000))
	assert.Greater(t, got, float64(0))
}

func TestLauncherFunc(t *testing.T) {
	called := ""
	l := LauncherFunc(func(ctx context.Context, id string) (Driver, error) {
		called = id
		return nil, ErrDriverUnavailable
	})
	_, err := l.Launch(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrDriverUnavailable)
	assert.Equal(t, "abc", called)
}

type closeFailingPage struct {
	playwright.Page
	err error
}

func (p closeFailingPage) Close(...playwright.PageCloseOptions) error { return p.err }

type closeFailingBrowser struct {
	playwright.Browser
	err error
}

func (b closeFailingBrowser) Close(...playwright.BrowserCloseOptions) error { return b.err }

func TestPlaywrightDriverCloseJoinsErrors(t *testing.T) {
	pageErr := errors.New("page gone")
	browserErr := errors.New("browser gone")
	releaseErr := errors.New("container gone")
	released := 0
	d := &PlaywrightDriver{
		page:    closeFailingPage{err: pageErr},
		browser: closeFailingBrowser{err: browserErr},
		release: func() error { released++; return releaseErr },
	}

	err := d.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, pageErr)
	assert.ErrorIs(t, err, browserErr)
	assert.ErrorIs(t, err, releaseErr)
	assert.Equal(t, 1, released)

	assert.NoError(t, d.Close())
	assert.Equal(t, 1, released)
	_, err = d.currentPage()
	assert.ErrorIs(t, err, ErrDriverClosed)
}
