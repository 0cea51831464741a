package pins

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChip struct {
	setups []string
}

func (c *testChip) SetupPin(pinType string, params PinParams) (any, error) {
	if pinType != "adc" {
		return nil, errors.New("unsupported")
	}
	c.setups = append(c.setups, params.Pin)
	return params.Pin, nil
}

func TestLookupPin(t *testing.T) {
	reg := NewRegistry()
	mcu := &testChip{}
	aux := &testChip{}
	require.NoError(t, reg.RegisterChip("mcu", mcu))
	require.NoError(t, reg.RegisterChip("Aux", aux))

	tests := []struct {
		desc     string
		chip     Chip
		chipName string
		pin      string
		invert   bool
		pullup   int
	}{
		{"gpio2", mcu, "mcu", "gpio2", false, 0},
		{"mcu:gpio3", mcu, "mcu", "gpio3", false, 0},
		{"^aux:PA1", aux, "aux", "PA1", false, 1},
		{"~!gpio4", mcu, "mcu", "gpio4", true, -1},
		{" ! AUX:PB7 ", aux, "aux", "PB7", true, 0},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			params, err := reg.LookupPin(test.desc)
			require.NoError(t, err)
			assert.Same(t, test.chip, params.Chip)
			assert.Equal(t, test.chipName, params.ChipName)
			assert.Equal(t, test.pin, params.Pin)
			assert.Equal(t, test.invert, params.Invert)
			assert.Equal(t, test.pullup, params.Pullup)
		})
	}
}

func TestLookupPinErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterChip("mcu", &testChip{}))

	_, err := reg.LookupPin("other:gpio1")
	assert.ErrorIs(t, err, ErrUnknownChip)

	for _, desc := range []string{"", "mcu:", "^", "mcu:a:b"} {
		_, err := reg.LookupPin(desc)
		assert.ErrorIs(t, err, ErrInvalidPin, desc)
	}
}

func TestRegisterChipDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterChip("scale", &testChip{}))
	assert.ErrorIs(t, reg.RegisterChip("SCALE", &testChip{}), ErrDuplicateChip)
	assert.ErrorIs(t, reg.RegisterChip(" ", &testChip{}), ErrInvalidPin)
}

func TestSetupPinRoutesToChip(t *testing.T) {
	reg := NewRegistry()
	chip := &testChip{}
	require.NoError(t, reg.RegisterChip("scale", chip))

	obj, err := reg.SetupPin("adc", "scale:load")
	require.NoError(t, err)
	assert.Equal(t, "load", obj)
	assert.Equal(t, []string{"load"}, chip.setups)

	_, err = reg.SetupPin("pwm", "scale:load")
	assert.Error(t, err)
}

func TestPinParamsString(t *testing.T) {
	p := PinParams{ChipName: "mcu", Pin: "gpio2", Invert: true, Pullup: 1}
	assert.Equal(t, "^!mcu:gpio2", p.String())
}
