package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "AB******", MaskCode("AB12CD34"))
	assert.Equal(t, "**", MaskCode("AB"))
	assert.Equal(t, "", MaskCode(""))
}

func TestVoucherCodeFieldNeverCarriesPlaintext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	Info("voucher issued", VoucherCode("XY98ZW76"))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "XY******", fields["voucher_code"])
		assert.Equal(t, "voucher-service", fields["service"])
	}
}
