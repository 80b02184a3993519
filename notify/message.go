package notify

import (
	"fmt"
	"time"
)

// Customers are in Uganda; expiry dates are shown in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// VoucherMessage builds the SMS carrying a voucher code.
func VoucherMessage(code, packageName string, expiresAt time.Time) Message {
	return Message{
		Body: fmt.Sprintf(
			"MYQL WIFI: Your voucher code is %s for %s. Valid until %s. Connect to MYQL WIFI network and enter the code.",
			code, packageName, expiresAt.In(eat).Format("02 Jan 2006 15:04"),
		),
		Secrets: []string{code},
	}
}
