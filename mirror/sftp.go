package mirror

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// UploadToSFTP uploads obj below accessInfo["remoteDir"] on an SFTP server.
// accessInfo: host, user, remoteDir and password or privateKey (base64 or raw
// PEM); optionally port (default 22).
func UploadToSFTP(ctx context.Context, accessInfo map[string]string, obj Object) error {
	if err := requireKeys(accessInfo, "host", "user", "remoteDir"); err != nil {
		return err
	}
	port := accessInfo["port"]
	if port == "" {
		port = "22"
	}

	var auths []ssh.AuthMethod
	switch {
	case accessInfo["privateKey"] != "":
		keyBytes, err := base64.StdEncoding.DecodeString(accessInfo["privateKey"])
		if err != nil {
			keyBytes = []byte(accessInfo["privateKey"])
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case accessInfo["password"] != "":
		auths = append(auths, ssh.Password(accessInfo["password"]))
	default:
		return fmt.Errorf("no auth method provided; set password or privateKey in accessInfo")
	}

	config := &ssh.ClientConfig{
		User:            accessInfo["user"],
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(accessInfo["host"], port)
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer client.Close()

	remotePath := path.Join(accessInfo["remoteDir"], obj.Name)
	if err := mkdirAllSFTP(client, path.Dir(remotePath)); err != nil {
		return fmt.Errorf("ensure remote dir: %w", err)
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(obj.Data)); err != nil {
		return fmt.Errorf("copy to remote file %s: %w", remotePath, err)
	}

	log.Debugf("uploaded %s to %s", remotePath, addr)
	return nil
}

// mkdirAllSFTP creates each missing segment of dir.
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, p := range strings.Split(dir, "/") {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
			if err := client.Mkdir(cur); err != nil {
				return fmt.Errorf("mkdir %s: %w", cur, err)
			}
		}
	}
	return nil
}
