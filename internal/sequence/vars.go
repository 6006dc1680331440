package sequence

import "github.com/foxzi/outreach/internal/models"

// mergeVars are the {{placeholders}} available to email steps
func mergeVars(v *models.ContactView, account *models.SenderAccount) map[string]string {
	c := &v.Contact
	vars := make(map[string]string, len(c.CustomFields)+8)
	for name, value := range c.CustomFields {
		vars[name] = value
	}

	vars["first_name"] = c.FirstName
	vars["last_name"] = c.LastName
	vars["full_name"] = c.FullName()
	vars["email"] = c.Email
	vars["company"] = c.Company
	vars["title"] = c.Title
	if account != nil {
		vars["sender_name"] = account.Name
		vars["sender_email"] = account.Email
	}
	return vars
}
