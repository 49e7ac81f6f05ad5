package provision

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/genesishq/genesis/pkg/types"
)

// cloudInitTemplate is the first-boot script for a new droplet: swap,
// firewall, container runtime, and the engine env file. Env values use
// the single-quoted line form so secret bytes pass through literally.
const cloudInitTemplate = `#cloud-config
package_update: true
packages:
  - ufw
  - fail2ban

runcmd:
  - fallocate -l 2G /swapfile
  - chmod 600 /swapfile
  - mkswap /swapfile
  - swapon /swapfile
  - echo '/swapfile none swap sw 0 0' >> /etc/fstab
  - ufw default deny incoming
  - ufw default allow outgoing
  - ufw allow 22/tcp
  - ufw allow 443/tcp
  - ufw --force enable
  - curl -fsSL https://get.docker.com | sh
  - systemctl enable --now docker
  - mkdir -p /opt/genesis
  - |
    cat > /opt/genesis/engine.env <<'GENESIS_EOF'
    TENANT_ID='{{.TenantID}}'
    TENANT_SLUG='{{.Slug}}'
    REGION='{{.Region}}'
    PROVISIONING_TOKEN='{{.ProvisioningToken}}'
    DB_PASSWORD='{{.DBPassword}}'
    ENGINE_ENCRYPTION_KEY='{{.EngineKey}}'
    GENESIS_EOF
  - chmod 600 /opt/genesis/engine.env
`

type cloudInitParams struct {
	TenantID          string
	Slug              string
	Region            string
	ProvisioningToken string
	DBPassword        string
	EngineKey         string
}

var cloudInitTmpl = template.Must(template.New("cloud-init").Parse(cloudInitTemplate))

// renderCloudInit produces the user-data blob. Substitution is strictly
// literal; a single quote in any value would break the quoted form, so
// it is rejected rather than escaped.
func renderCloudInit(t *types.Tenant, secrets *types.Secrets) (string, error) {
	params := cloudInitParams{
		TenantID:          t.ID,
		Slug:              t.Slug,
		Region:            t.Region,
		ProvisioningToken: secrets.ProvisioningToken,
		DBPassword:        secrets.DBPassword,
		EngineKey:         secrets.EngineKey,
	}
	for _, v := range []string{params.TenantID, params.Slug, params.Region} {
		if strings.ContainsRune(v, '\'') {
			return "", types.Errorf(types.KindValidationFailed, "provision.cloudinit",
				"field value contains a single quote").WithTenant(t.ID)
		}
	}

	var buf bytes.Buffer
	if err := cloudInitTmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("render cloud-init: %w", err)
	}
	return buf.String(), nil
}

// publicDNSFor derives the stable DNS name from a droplet's public IPv4
func publicDNSFor(ip string) string {
	return strings.ReplaceAll(ip, ".", "-") + ".droplets.genesis.dev"
}
