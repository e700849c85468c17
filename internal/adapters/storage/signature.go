package storage

// signature.go — defensa anti-manipulación de las filas de velas.
//
// Cada vela se guarda con un HMAC-SHA256 del mensaje canónico de sus campos
// semánticos. Una fila editada directamente en la base de datos deja de
// verificar y se trata como inexistente: nunca vuelve a entrar en un
// cálculo de consenso ni llega al settlement.

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

type signer struct {
	key      []byte
	decimals func(domain.Symbol) int
}

// message construye el mensaje canónico: symbol, time, source y OHLC
// redondeados a los decimales configurados del símbolo. El volumen y los
// provider statuses quedan fuera a propósito: no determinan el precio que
// se liquida.
func (s signer) message(c domain.Candle) string {
	d := s.decimals(c.Symbol)
	var b strings.Builder
	b.WriteString(string(c.Symbol))
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(c.Time, 10))
	b.WriteByte('_')
	b.WriteString(string(c.Source))
	for _, v := range [4]float64{c.Open, c.High, c.Low, c.Close} {
		b.WriteByte('_')
		b.WriteString(strconv.FormatFloat(v, 'f', d, 64))
	}
	return b.String()
}

// sign devuelve el HMAC hex del mensaje canónico de la vela.
func (s signer) sign(c domain.Candle) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(s.message(c)))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify comprueba la firma en tiempo constante. Firma vacía = inválida.
func (s signer) verify(c domain.Candle) bool {
	if c.Signature == "" {
		return false
	}
	want, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(s.message(c)))
	return hmac.Equal(want, mac.Sum(nil))
}
