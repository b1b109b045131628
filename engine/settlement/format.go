package settlement

import (
	"fmt"

	"github.com/simfleet/topup/engine/recharge"
)

// FormatDetail renders the single-line audit text stored on every detail
// row. Downstream consumers parse this line, so the field order and labels
// are a wire contract: final balance, folio, amount, phone, carrier,
// timestamp, transId, timeout, ip, minutes since last report.
func FormatDetail(p recharge.PendingRecharge) string {
	// Services without a reporting signal (VOZ) carry the NoReportData
	// sentinel; the wire line shows 0 instead of the sentinel value.
	minutes := p.MinutesSinceReport
	if minutes == recharge.NoReportData {
		minutes = 0
	}
	return fmt.Sprintf(
		"Saldo final: $%.2f | Folio: %s | Importe: $%.2f | Telefono: %s | Carrier: %s | Fecha: %s | TransID: %s | Timeout: %s | IP: %s | Minutos sin reportar: %d",
		p.FinalBalance,
		p.Folio,
		p.Amount,
		p.SIM,
		p.Carrier,
		p.CreatedAt.Format("2006-01-02 15:04:05"),
		p.TransID,
		p.Timeout,
		p.IP,
		minutes,
	)
}
